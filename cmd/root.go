// -- cmd/root.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/celobox/internal/browser"
	"github.com/xkilldash9x/celobox/internal/browser/cdp"
	"github.com/xkilldash9x/celobox/internal/browser/session"
	"github.com/xkilldash9x/celobox/internal/config"
	"github.com/xkilldash9x/celobox/internal/credentials"
	"github.com/xkilldash9x/celobox/internal/engine"
	"github.com/xkilldash9x/celobox/internal/observability"
	"github.com/xkilldash9x/celobox/internal/orchestrator"
	"github.com/xkilldash9x/celobox/internal/resolver"
)

// User-facing outcome messages.
const (
	msgSignInSuccess  = "Sign in success."
	msgSignInFailed   = "Sign in failed."
	msgChanged        = "Password changed!"
	msgChangeFailed   = "Password change failed."
	envPrefix         = "CELOBOX"
	defaultConfigName = "config"
)

// ExitError carries a process exit code for an outcome that has already been
// reported to the user.
type ExitError struct {
	Code int
	Msg  string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s (exit status %d)", e.Msg, e.Code)
}

// ExitCode maps an Execute result to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	if errors.Is(err, context.Canceled) {
		// Interrupted by the user; the flow already released its page.
		return 0
	}
	return 1
}

// Execute runs the root command with a signal-aware context.
func Execute(ctx context.Context) error {
	root := NewRootCommand()
	err := root.ExecuteContext(ctx)
	var exitErr *ExitError
	if err != nil && !errors.As(err, &exitErr) && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(root.ErrOrStderr(), "Error:", err)
	}
	return err
}

// NewRootCommand builds the celobox command tree.
func NewRootCommand() *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:   "celobox [flags] <domain>",
		Short: "Sign in to a website and change your password.",
		Long: `celobox signs in to a website and changes the account password, following
the site's password manifest when one is available and falling back to finding
the login form on its own when not.`,
		Version:       Version,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			v := viper.New()
			config.SetDefaults(v)
			if err := initializeConfig(cmd, v, cfgFile); err != nil {
				return fmt.Errorf("failed to initialize configuration: %w", err)
			}

			cfg, err := config.NewConfigFromViper(v)
			if err != nil {
				return err
			}
			cfg.Run = config.RunConfig{
				Domain:   args[0],
				NoChange: v.GetBool("nochange"),
			}
			if cfg.Browser.Debug {
				cfg.Logger.Level = "debug"
			}

			logger, err := newLogger(cmd, cfg.Logger)
			if err != nil {
				return err
			}
			defer observability.Sync(logger, cmd.ErrOrStderr())
			logger.Debug("Starting celobox", zap.String("version", Version), zap.String("backend", cfg.Browser.Backend))

			creds := credentials.Chain{
				withNotify(credentials.FromViper(v), cmd.OutOrStdout()),
				newPrompt(cmd),
			}
			return run(cmd.Context(), cmd.OutOrStdout(), cfg, creds, logger)
		},
	}

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	flags := rootCmd.Flags()
	flags.StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	flags.BoolP("debug", "d", false, "show debug output and save page snapshots on failure")
	flags.Bool("nochange", false, "sign in only; don't change password")
	flags.String("username", "", "username (avoids prompt)")
	flags.String("oldpass", "", "old password (avoids prompt)")
	flags.String("newpass", "", "new password (avoids prompt)")
	flags.Bool("ignore-ssl-errors", false, "ignore SSL certificate errors")
	flags.String("backend", config.BackendHTTP, "web backend to drive: http or chrome")
	flags.String("manifests-dir", "", "directory of local site manifests")

	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// flagKeys maps command-line flags onto configuration keys.
var flagKeys = map[string]string{
	"debug":             "browser.debug",
	"ignore-ssl-errors": "network.ignore_tls_errors",
	"backend":           "browser.backend",
	"manifests-dir":     "manifests.dir",
	"nochange":          "nochange",
	"username":          credentials.KeyUsername,
	"oldpass":           credentials.KeyOldPassword,
	"newpass":           credentials.KeyNewPassword,
}

// initializeConfig reads the config file and environment into v and binds
// flags over them.
func initializeConfig(cmd *cobra.Command, v *viper.Viper, cfgFile string) error {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.celobox")
		v.SetConfigName(defaultConfigName)
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Visit only sees flags set on the command line, so unset flags never
	// mask config file and env values.
	var bindErr error
	cmd.Flags().Visit(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok || bindErr != nil {
			return
		}
		bindErr = v.BindPFlag(key, f)
	})
	return bindErr
}

func newLogger(cmd *cobra.Command, cfg config.LoggerConfig) (*zap.Logger, error) {
	if cmd.ErrOrStderr() == os.Stderr {
		return observability.NewConsoleLogger(cfg)
	}
	return observability.NewLogger(cfg, zapcore.Lock(zapcore.AddSync(cmd.ErrOrStderr())))
}

func withNotify(s *credentials.Static, out io.Writer) *credentials.Static {
	s.Notify = func(msg string) { fmt.Fprintln(out, msg) }
	return s
}

func newPrompt(cmd *cobra.Command) *credentials.Prompt {
	if f, ok := cmd.InOrStdin().(*os.File); ok {
		return credentials.NewPrompt(f, cmd.OutOrStdout())
	}
	return credentials.NewReaderPrompt(cmd.InOrStdin(), cmd.OutOrStdout())
}

// newFactory selects the web backend.
func newFactory(cfg *config.Config, logger *zap.Logger) browser.Factory {
	if strings.EqualFold(cfg.Browser.Backend, config.BackendChrome) {
		return cdp.NewFactory(cfg.Browser, cfg.Network, logger)
	}
	return session.NewFactory(cfg.Network, logger)
}

// run performs the sign-in and password change flow for cfg.Run.Domain.
func run(ctx context.Context, out io.Writer, cfg *config.Config, creds credentials.Reader, logger *zap.Logger) error {
	res, err := resolver.NewFromConfig(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build manifest resolver: %w", err)
	}

	orch, err := orchestrator.New(cfg.Run.Domain, orchestrator.Deps{
		Resolver: res,
		Factory:  newFactory(cfg, logger),
		Engine:   engine.New(logger, engine.WithHeuristicSettle(cfg.Engine.HeuristicSettle)),
		Logger:   logger,
	}, orchestrator.WithConfig(cfg))
	if err != nil {
		return err
	}

	return orch.Run(ctx, func(ctx context.Context, o *orchestrator.Orchestrator) error {
		username, err := creds.Username(ctx)
		if err != nil {
			return fmt.Errorf("failed to read username: %w", err)
		}
		oldPass, err := creds.OldPassword(ctx)
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}

		ok, err := o.SignIn(ctx, username, oldPass)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(out, msgSignInFailed)
			return &ExitError{Code: 1, Msg: msgSignInFailed}
		}
		fmt.Fprintln(out, msgSignInSuccess)

		if cfg.Run.NoChange {
			return nil
		}

		newPass, err := creds.NewPassword(ctx)
		if err != nil {
			return fmt.Errorf("failed to read new password: %w", err)
		}
		ok, err = o.ChangePassword(ctx, newPass)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(out, msgChangeFailed)
			return &ExitError{Code: 1, Msg: msgChangeFailed}
		}
		fmt.Fprintln(out, msgChanged)
		return nil
	})
}
