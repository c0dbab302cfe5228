package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/btt-go/btt-sync/internal/config"
	"github.com/btt-go/btt-sync/pkg/logging"
)

var (
	// configPath YAML 配置文件路径，不存在时使用默认配置
	configPath string

	// debug 覆盖配置中的日志级别
	debug bool

	// cfg 在 PersistentPreRunE 中加载，子命令直接使用
	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:   "btt-sync",
	Short: "Distribute configuration resources to a fleet of nodes",
	Long: `btt-sync publishes .properties resources into a shared coordination store
and keeps every node's local copy and in-memory cache in sync with it.

Run 'btt-sync manager' on the publishing side and 'btt-sync node' on every
machine that consumes configuration.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

// SetVersion 由 main 在构建时注入版本号。
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute 执行根命令。SIGINT/SIGTERM 取消根上下文。
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "btt-sync version %s\n" .Version}}`)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level, err := logging.ParseLevel(loaded.Log.Level)
	if err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if debug {
		level = logging.LevelDebug
	}
	logging.Init(level, loaded.Log.Format, cmd.ErrOrStderr())

	cfg = loaded
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "btt-sync.yaml", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newNodeCmd())
	rootCmd.AddCommand(newManagerCmd())
	rootCmd.AddCommand(newPublishCmd())
	rootCmd.AddCommand(newMembersCmd())
}
