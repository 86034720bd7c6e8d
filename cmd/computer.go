package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/srchd/srchd/internal/config"
	"github.com/srchd/srchd/internal/telemetry"
	"github.com/srchd/srchd/pkg/computer"
	"github.com/srchd/srchd/pkg/computer/k8s_computer"
	"github.com/srchd/srchd/pkg/computer/process"
)

var (
	computerImage     string
	execTimeoutMillis int
	execWorkdir       string
	terminateVolumes  bool

	spawnWorkdir        string
	spawnTTY            bool
	spawnTimeoutSeconds int
)

var computerCmd = &cobra.Command{
	Use:   "computer",
	Short: "Manage agent computers",
}

var computerCreateCmd = &cobra.Command{
	Use:   "create <workspace> <computer>",
	Short: "Provision a computer and wait for readiness",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		mgr, teardown := mustManager("computer-create")
		defer teardown()

		var profile *computer.Profile
		if computerImage != "" {
			profile = &computer.Profile{ImageName: computerImage}
		}
		id := computer.Identity{Workspace: args[0], Computer: args[1]}
		c, err := mgr.Ensure(context.Background(), id, profile)
		if err != nil {
			fail(err)
		}
		fmt.Printf("computer %s is running\n", c.ID())
	},
}

var computerExecCmd = &cobra.Command{
	Use:   "exec <workspace> <computer> <command>",
	Short: "Run a shell command in a computer and print the result",
	Args:  cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		mgr, teardown := mustManager("computer-exec")
		defer teardown()

		id := computer.Identity{Workspace: args[0], Computer: args[1]}
		c, err := mgr.FindByID(context.Background(), id)
		if err != nil {
			fail(err)
		}
		result, err := c.Execute(context.Background(), args[2], computer.ExecOptions{
			TimeoutMillis: execTimeoutMillis,
			WorkingDir:    execWorkdir,
		})
		if err != nil {
			fail(err)
		}
		printJSON(result)
		if result.ExitCode != 0 {
			os.Exit(result.ExitCode)
		}
	},
}

var computerSpawnCmd = &cobra.Command{
	Use:   "spawn <workspace> <computer> <command>",
	Short: "Start a command, auto-backgrounding it past the promotion window",
	Args:  cobra.ExactArgs(3),
	Run: func(cmd *cobra.Command, args []string) {
		mgr, teardown := mustManager("computer-spawn")
		defer teardown()

		id := computer.Identity{Workspace: args[0], Computer: args[1]}
		c, err := mgr.FindByID(context.Background(), id)
		if err != nil {
			fail(err)
		}
		info, err := c.Spawn(context.Background(), args[2], process.SpawnOptions{
			WorkingDir:     spawnWorkdir,
			TTY:            spawnTTY,
			TimeoutSeconds: spawnTimeoutSeconds,
		})
		if err != nil {
			fail(err)
		}
		printJSON(info)
	},
}

var computerPsCmd = &cobra.Command{
	Use:   "ps <workspace> <computer>",
	Short: "List the processes tracked for a computer",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		mgr, teardown := mustManager("computer-ps")
		defer teardown()

		id := computer.Identity{Workspace: args[0], Computer: args[1]}
		c, err := mgr.FindByID(context.Background(), id)
		if err != nil {
			fail(err)
		}
		// The registry lives in this management process; a fresh
		// invocation only sees processes it spawned itself.
		printJSON(c.Ps())
	},
}

var computerStatusCmd = &cobra.Command{
	Use:   "status <workspace> <computer>",
	Short: "Probe a computer's pod phase",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		mgr, teardown := mustManager("computer-status")
		defer teardown()

		id := computer.Identity{Workspace: args[0], Computer: args[1]}
		c, err := mgr.FindByID(context.Background(), id)
		if computer.IsNotFound(err) {
			fmt.Println(computer.StatusNotFound)
			return
		}
		if err != nil {
			fail(err)
		}
		status, err := c.Status(context.Background())
		if err != nil {
			fail(err)
		}
		fmt.Println(status)
	},
}

var computerTerminateCmd = &cobra.Command{
	Use:   "terminate <workspace> <computer>",
	Short: "Delete a computer's pod, optionally its storage",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		mgr, teardown := mustManager("computer-terminate")
		defer teardown()

		id := computer.Identity{Workspace: args[0], Computer: args[1]}
		c, err := mgr.FindByID(context.Background(), id)
		if computer.IsNotFound(err) {
			fmt.Printf("computer %s already absent\n", id)
			return
		}
		if err != nil {
			fail(err)
		}
		outcome, err := c.Terminate(context.Background(), terminateVolumes)
		if err != nil {
			fail(err)
		}
		fmt.Printf("computer %s terminated (already_absent=%v volume_deleted=%v)\n",
			id, outcome.AlreadyAbsent, outcome.VolumeDeleted)
	},
}

var computerListCmd = &cobra.Command{
	Use:   "list <workspace>",
	Short: "List the computers of a workspace",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		mgr, teardown := mustManager("computer-list")
		defer teardown()

		ids, err := mgr.List(context.Background(), args[0])
		if err != nil {
			fail(err)
		}
		for _, id := range ids {
			fmt.Println(id)
		}
	},
}

func mustManager(serviceName string) (*computer.Manager, func()) {
	conf := config.ReadConfig()

	os.Setenv("OTEL_SERVICE_NAME", serviceName)
	shutdownTelemetry := telemetry.NewProvider(conf.OTEL_EXPORTER_OTLP_ENDPOINT)

	engine, err := k8s_computer.NewManager(k8s_computer.Config{
		Prefix:       conf.COMPUTER_PREFIX,
		Image:        conf.COMPUTER_IMAGE,
		StorageSize:  conf.COMPUTER_STORAGE_SIZE,
		StorageClass: conf.COMPUTER_STORAGE_CLASS,
		CPU:          conf.COMPUTER_CPU_LIMIT,
		Memory:       conf.COMPUTER_MEMORY_LIMIT,
	})
	if err != nil {
		shutdownTelemetry()
		fail(err)
	}
	mgr := computer.NewManager(engine, computer.Options{
		ReadyTimeout: time.Duration(conf.COMPUTER_READY_TIMEOUT_SECONDS) * time.Second,
	})
	return mgr, shutdownTelemetry
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fail(err)
	}
	fmt.Println(string(out))
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}

func init() {
	computerCreateCmd.Flags().StringVar(&computerImage, "image", "", "container image for the computer")
	computerExecCmd.Flags().IntVar(&execTimeoutMillis, "timeout", 0, "local timeout in milliseconds, 0 means none")
	computerExecCmd.Flags().StringVar(&execWorkdir, "workdir", "", "working directory for the command")
	computerTerminateCmd.Flags().BoolVar(&terminateVolumes, "delete-volume", false, "also delete the workspace volume")
	computerSpawnCmd.Flags().StringVar(&spawnWorkdir, "workdir", "", "working directory for the command")
	computerSpawnCmd.Flags().BoolVar(&spawnTTY, "tty", false, "run the command under a terminal emulator")
	computerSpawnCmd.Flags().IntVar(&spawnTimeoutSeconds, "timeout", 0, "promotion window override in seconds, capped at 60")

	computerCmd.AddCommand(computerCreateCmd)
	computerCmd.AddCommand(computerExecCmd)
	computerCmd.AddCommand(computerSpawnCmd)
	computerCmd.AddCommand(computerPsCmd)
	computerCmd.AddCommand(computerStatusCmd)
	computerCmd.AddCommand(computerTerminateCmd)
	computerCmd.AddCommand(computerListCmd)
	rootCmd.AddCommand(computerCmd)
}
