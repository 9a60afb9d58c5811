package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/simplifaq/session-agent/api"
	"github.com/simplifaq/session-agent/broadcast"
	"github.com/simplifaq/session-agent/credentials"
	"github.com/simplifaq/session-agent/internal/config"
	"github.com/simplifaq/session-agent/session"
	"github.com/simplifaq/session-agent/token"
	"github.com/simplifaq/session-agent/users"
)

func main() {
	_ = godotenv.Load()
	if err := run(os.Args[1:]); err != nil {
		log.Fatalf("sessionctl: %s\n", err)
	}
}

func run(args []string) (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic: %v\n", r)
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	if len(args) == 0 {
		usage()
		return nil
	}

	c := config.New()
	logger := newLogger(c)

	manager, err := assemble(c, logger)
	if err != nil {
		return fmt.Errorf("assemble: %w", err)
	}

	ctx := context.Background()
	switch args[0] {
	case "login":
		return cmdLogin(ctx, manager, args[1:])
	case "logout":
		return cmdLogout(ctx, manager)
	case "status":
		return cmdStatus(ctx, manager)
	case "whoami":
		return cmdWhoami(ctx, manager)
	case "watch":
		return cmdWatch(ctx, manager, c)
	default:
		usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func assemble(c config.Config, logger zerolog.Logger) (*session.Manager, error) {
	store, err := credentials.NewFileStore(c.GetStateDir())
	if err != nil {
		return nil, fmt.Errorf("credentials.NewFileStore: %w", err)
	}

	client := api.NewClient(c.GetBaseURL(), c.GetRequestTimeout(), api.WithLogger(logger))

	tokens, err := token.New(client, store,
		token.WithRefreshWindow(c.GetRefreshWindow()),
		token.WithWarningWindow(c.GetSessionWarningWindow()),
		token.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("token.New: %w", err)
	}

	coordinator, err := broadcast.NewCoordinator(c.GetStateDir(), c.GetBeaconTTL(), broadcast.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("broadcast.NewCoordinator: %w", err)
	}

	return session.NewManager(
		session.Deps{
			Backend:   client,
			Tokens:    tokens,
			Store:     store,
			Broadcast: coordinator,
		},
		session.WithLogger(logger),
		session.WithMaxSessionAge(c.GetMaxSessionAge()),
		session.WithProfileFetchTimeout(c.GetProfileFetchTimeout()),
		session.WithCorruptionCooldown(c.GetCorruptionCooldown()),
		session.WithActivityThrottle(c.GetActivityThrottle()),
		session.WithBackstopInterval(c.GetBackstopInterval()),
		session.WithRateLimiter(session.NewRateLimiter(c.GetRateLimitMaxAttempts(), c.GetRateLimitWindow())),
		session.WithSessionWarningFunc(func(remaining time.Duration, user *users.Profile) {
			fmt.Fprintf(os.Stderr, "session expires in %s\n", remaining.Round(time.Second))
		}),
	)
}

func cmdLogin(ctx context.Context, manager *session.Manager, args []string) error {
	flags := flag.NewFlagSet("login", flag.ContinueOnError)
	email := flags.String("email", "", "account email")
	password := flags.String("password", "", "account password (prompted when omitted)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if *email == "" {
		return errors.New("login: -email is required")
	}
	if *password == "" {
		fmt.Fprint(os.Stderr, "password: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		*password = strings.TrimRight(line, "\r\n")
	}

	if err := manager.Login(ctx, *email, *password); err != nil {
		return fmt.Errorf("login failed: %s", manager.State().Error)
	}
	fmt.Printf("logged in as %s\n", manager.State().User.Email)
	return nil
}

func cmdLogout(ctx context.Context, manager *session.Manager) error {
	if err := manager.Restore(ctx); err != nil {
		return err
	}
	if !manager.State().IsAuthenticated {
		fmt.Println("not logged in")
		return nil
	}
	if err := manager.Logout(ctx); err != nil {
		return err
	}
	fmt.Println("logged out")
	return nil
}

func cmdStatus(ctx context.Context, manager *session.Manager) error {
	_ = manager.Restore(ctx)
	state := manager.State()
	if !state.IsAuthenticated {
		fmt.Println("logged out")
		return nil
	}
	fmt.Printf("authenticated as %s\n", state.User.Email)
	return nil
}

func cmdWhoami(ctx context.Context, manager *session.Manager) error {
	if err := manager.Restore(ctx); err != nil {
		return err
	}
	state := manager.State()
	if !state.IsAuthenticated {
		return errors.New("not logged in")
	}
	fmt.Printf("%s <%s>\n", state.User.FullName(), state.User.Email)
	if state.User.Company != "" {
		fmt.Printf("company: %s\n", state.User.Company)
	}
	if state.User.Address.City != "" {
		fmt.Printf("address: %s, %s %s\n", state.User.Address.Street, state.User.Address.Zip, state.User.Address.City)
	}
	return nil
}

// cmdWatch restores the session and keeps it alive until interrupted:
// refreshes before expiry, converges on cross-process logouts.
func cmdWatch(ctx context.Context, manager *session.Manager, c config.Config) error {
	displayAppname(c.GetAppName())

	if err := manager.Restore(ctx); err != nil {
		return err
	}
	if !manager.State().IsAuthenticated {
		return errors.New("not logged in")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go waitForStopSignal(cancel)

	return manager.Run(runCtx)
}

func waitForStopSignal(cancel context.CancelFunc) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	cancel()
}

func newLogger(c config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(c.GetLogLevel())
	if err != nil {
		level = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: sessionctl <login|logout|status|whoami|watch> [flags]")
}
