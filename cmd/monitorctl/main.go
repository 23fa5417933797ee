package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/freekieb7/stockroom/internal/app"
	"github.com/freekieb7/stockroom/internal/config"
	"github.com/freekieb7/stockroom/internal/database"
	"github.com/freekieb7/stockroom/internal/logger"
	"github.com/freekieb7/stockroom/internal/monitor"
	"github.com/freekieb7/stockroom/internal/notifications"
	"github.com/freekieb7/stockroom/internal/validator"

	"github.com/google/uuid"
)

const usage = `Usage: monitorctl <command> [options]

Commands:
  create-user  -name NAME -email EMAIL [-role employee|admin]
  assign       -user ID -by ADMIN_ID -ends-at RFC3339
  revoke       -user ID
  extend       -user ID -ends-at RFC3339
  sweep        [-as-of RFC3339]
  list
  count
  history      -user ID
  watch`

type createUserInput struct {
	Name  string `json:"name" validate:"required,max=100"`
	Email string `json:"email" validate:"required,email"`
	Role  string `json:"role" validate:"required,oneof=employee admin"`
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1], os.Args[2:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if monitor.IsBenign(err) {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, command string, args []string, out io.Writer) error {
	cfg := config.NewConfig()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	log := logger.New(*cfg, os.Stderr)

	flags := flag.NewFlagSet(command, flag.ContinueOnError)
	userFlag := flags.String("user", "", "target user id")
	byFlag := flags.String("by", "", "assigning admin id")
	endsAtFlag := flags.String("ends-at", "", "assignment end (RFC3339)")
	asOfFlag := flags.String("as-of", "", "sweep reference time (RFC3339)")
	nameFlag := flags.String("name", "", "user name")
	emailFlag := flags.String("email", "", "user email")
	roleFlag := flags.String("role", string(database.RoleEmployee), "user role")
	if err := flags.Parse(args); err != nil {
		return err
	}

	services, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer services.Close()

	monitors := &services.Monitors

	switch command {
	case "create-user":
		input := createUserInput{Name: *nameFlag, Email: *emailFlag, Role: *roleFlag}
		if err := validator.New().Validate(input); err != nil {
			return fmt.Errorf("invalid user: %v", validator.Messages(err))
		}
		u, err := services.Users.CreateUser(ctx, input.Name, input.Email, database.Role(input.Role))
		if err != nil {
			return err
		}
		return printJSON(out, u)

	case "assign":
		userID, err := parseUUID("user", *userFlag)
		if err != nil {
			return err
		}
		assignedBy, err := parseUUID("by", *byFlag)
		if err != nil {
			return err
		}
		endsAt, err := parseTime("ends-at", *endsAtFlag)
		if err != nil {
			return err
		}
		assignment, err := monitors.AssignMonitor(ctx, userID, assignedBy, endsAt)
		if err != nil {
			return err
		}
		return printJSON(out, assignment)

	case "revoke":
		userID, err := parseUUID("user", *userFlag)
		if err != nil {
			return err
		}
		if err := monitors.RevokeMonitor(ctx, userID); err != nil {
			return err
		}
		fmt.Fprintf(out, "revoked %s\n", userID)
		return nil

	case "extend":
		userID, err := parseUUID("user", *userFlag)
		if err != nil {
			return err
		}
		endsAt, err := parseTime("ends-at", *endsAtFlag)
		if err != nil {
			return err
		}
		assignment, err := monitors.ExtendMonitor(ctx, userID, endsAt)
		if err != nil {
			return err
		}
		return printJSON(out, assignment)

	case "sweep":
		var asOf time.Time
		if *asOfFlag != "" {
			if asOf, err = parseTime("as-of", *asOfFlag); err != nil {
				return err
			}
		}
		swept, err := monitors.SweepExpiredAssignments(ctx, asOf)
		if printErr := printJSON(out, swept); printErr != nil {
			return errors.Join(err, printErr)
		}
		return err

	case "list":
		active, err := monitors.GetActiveMonitors(ctx)
		if err != nil {
			return err
		}
		return printJSON(out, active)

	case "count":
		count, err := monitors.CountActiveMonitors(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%d/%d\n", count, monitors.Capacity())
		return nil

	case "history":
		userID, err := parseUUID("user", *userFlag)
		if err != nil {
			return err
		}
		history, err := monitors.ListAssignmentHistory(ctx, userID)
		if err != nil {
			return err
		}
		return printJSON(out, history)

	case "watch":
		return services.Notifier.Subscribe(ctx, func(n notifications.Notification) {
			if err := printJSON(out, n); err != nil {
				log.Warn("Failed to print notification", "error", err)
			}
		})

	default:
		return fmt.Errorf("unknown command %q\n\n%s", command, usage)
	}
}

func parseUUID(name, value string) (uuid.UUID, error) {
	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, fmt.Errorf("-%s must be a valid uuid: %w", name, err)
	}
	return id, nil
}

func parseTime(name, value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("-%s must be an RFC3339 timestamp: %w", name, err)
	}
	return t, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
