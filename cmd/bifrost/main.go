// Package main provides the Bifrost CLI entry point.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/orneryd/bifrost/pkg/bifrost"
	"github.com/orneryd/bifrost/pkg/config"
	"github.com/orneryd/bifrost/pkg/packstream"
)

var (
	version   = "0.1.0"
	commit    = "dev"
	buildTime = "unknown" // Set via ldflags: -X main.buildTime=$(date +%Y%m%d-%H%M%S)
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "bifrost",
		Short: "Bifrost - Bolt protocol client for graph databases",
		Long: `Bifrost is a Go client for Bolt-compatible graph databases
such as NornicDB and Neo4j.

Features:
  • Bolt 4.1-4.4 protocol with connection pooling
  • Parameterized Cypher execution
  • Explicit transactions with bookmark chaining
  • Table or JSON result output`,
	}

	// Version command
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Bifrost v%s (%s) built %s\n", version, commit, buildTime)
		},
	})

	// Run command
	runCmd := &cobra.Command{
		Use:   "run [statement]",
		Short: "Execute a Cypher statement",
		Long:  "Execute a single Cypher statement and print the result rows",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}
	addConnectionFlags(runCmd)
	runCmd.Flags().String("format", "table", "Output format: table, json")
	runCmd.Flags().StringArray("param", nil, "Statement parameter as key=value (repeatable, value parsed as JSON when possible)")
	runCmd.Flags().Duration("timeout", 30*time.Second, "Statement timeout")
	rootCmd.AddCommand(runCmd)

	// Ping command
	pingCmd := &cobra.Command{
		Use:   "ping",
		Short: "Verify server connectivity",
		RunE:  runPing,
	}
	addConnectionFlags(pingCmd)
	rootCmd.AddCommand(pingCmd)

	// Shell command (interactive Cypher REPL)
	shellCmd := &cobra.Command{
		Use:   "shell",
		Short: "Interactive Cypher shell",
		RunE:  runShell,
	}
	addConnectionFlags(shellCmd)
	rootCmd.AddCommand(shellCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// addConnectionFlags registers the flags shared by every command that talks
// to a server. Flags override the config file and environment variables.
func addConnectionFlags(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "Config file path (default: auto-detect)")
	cmd.Flags().String("address", "", "Server address, e.g. localhost:7687 or bolt://host:7687")
	cmd.Flags().String("username", "", "Username for authentication")
	cmd.Flags().String("password", "", "Password for authentication")
	cmd.Flags().String("database", "", "Database to run statements against")
	cmd.Flags().String("log-level", "", "Log level: trace, debug, info, warn, error")
}

// loadConfig resolves configuration with flags taking precedence over
// environment variables and the config file.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		configPath = config.FindConfigFile()
	}

	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return nil, err
	}

	if cmd.Flags().Changed("address") {
		address, _ := cmd.Flags().GetString("address")
		cfg.Connection.Address = config.NormalizeAddress(address)
	}
	if cmd.Flags().Changed("username") {
		cfg.Connection.Username, _ = cmd.Flags().GetString("username")
	}
	if cmd.Flags().Changed("password") {
		cfg.Connection.Password, _ = cmd.Flags().GetString("password")
	}
	if cmd.Flags().Changed("database") {
		cfg.Connection.Database, _ = cmd.Flags().GetString("database")
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level, _ = cmd.Flags().GetString("log-level")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	params, err := parseParams(cmd)
	if err != nil {
		return err
	}
	format, _ := cmd.Flags().GetString("format")
	if format != "table" && format != "json" {
		return fmt.Errorf("unknown format: %q", format)
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")

	driver, err := bifrost.Open(cfg.DriverConfig())
	if err != nil {
		return fmt.Errorf("opening driver: %w", err)
	}
	defer driver.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	started := time.Now()
	result, err := driver.Run(ctx, args[0], params)
	if err != nil {
		return err
	}
	elapsed := time.Since(started).Round(time.Millisecond)

	if format == "json" {
		return printJSON(result)
	}

	printTable(result)
	fmt.Printf("\n(%d row(s) in %v)\n", len(result.Rows), elapsed)
	printWriteStats(result.Stats)
	return nil
}

func runPing(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	driver, err := bifrost.Open(cfg.DriverConfig())
	if err != nil {
		return fmt.Errorf("opening driver: %w", err)
	}
	defer driver.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Connection.ConnectTimeout)
	defer cancel()

	started := time.Now()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return fmt.Errorf("ping %s: %w", cfg.Connection.Address, err)
	}

	fmt.Printf("✅ %s is reachable (%v)\n", cfg.Connection.Address, time.Since(started).Round(time.Millisecond))
	return nil
}

func runShell(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	driver, err := bifrost.Open(cfg.DriverConfig())
	if err != nil {
		return fmt.Errorf("opening driver: %w", err)
	}
	defer driver.Close()

	ctx := context.Background()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return fmt.Errorf("connecting to %s: %w", cfg.Connection.Address, err)
	}

	fmt.Printf("✅ Connected to %s\n", cfg.Connection.Address)
	fmt.Println("Type 'exit' or Ctrl+D to quit")
	fmt.Println()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("bifrost> ")
		if !scanner.Scan() {
			break // EOF or error
		}

		statement := strings.TrimSpace(scanner.Text())
		if statement == "" {
			continue
		}
		if statement == "exit" || statement == "quit" {
			break
		}

		started := time.Now()
		result, err := driver.Run(ctx, statement, nil)
		if err != nil {
			fmt.Printf("❌ %v\n", err)
			continue
		}

		printTable(result)
		fmt.Printf("\n(%d row(s) in %v)\n", len(result.Rows), time.Since(started).Round(time.Millisecond))
		printWriteStats(result.Stats)
		fmt.Println()
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}

	fmt.Println("👋 Goodbye!")
	return nil
}

// parseParams turns repeated --param key=value flags into statement
// parameters. Values are parsed as JSON so numbers, booleans, lists and
// objects come through typed; anything unparseable is kept as a string.
func parseParams(cmd *cobra.Command) (map[string]any, error) {
	pairs, _ := cmd.Flags().GetStringArray("param")
	if len(pairs) == 0 {
		return nil, nil
	}

	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q, want key=value", pair)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		params[key] = value
	}
	return params, nil
}

func printTable(result *bifrost.QueryResult) {
	if len(result.Fields) == 0 {
		fmt.Println("✅ Statement executed")
		return
	}

	header := strings.Join(result.Fields, " | ")
	fmt.Println(header)
	fmt.Println(strings.Repeat("-", len(header)))

	for _, row := range result.Rows {
		values := make([]string, len(result.Fields))
		for i, field := range result.Fields {
			values[i] = formatValue(row[field])
		}
		fmt.Println(strings.Join(values, " | "))
	}
}

func printJSON(result *bifrost.QueryResult) error {
	rows := make([]map[string]any, len(result.Rows))
	for i, row := range result.Rows {
		out := make(map[string]any, len(row))
		for field, value := range row {
			out[field] = jsonValue(value)
		}
		rows[i] = out
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"fields":   result.Fields,
		"rows":     rows,
		"bookmark": result.Bookmark,
	})
}

// formatValue renders a single cell. Graph entities render as JSON, plain
// values through their native representation.
func formatValue(v any) string {
	switch v := v.(type) {
	case nil:
		return "null"
	case packstream.Value:
		return fmt.Sprintf("%v", packstream.ToNative(v))
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// jsonValue converts a cell for JSON encoding. Graph entities already
// implement json.Marshaler.
func jsonValue(v any) any {
	if pv, ok := v.(packstream.Value); ok {
		return packstream.ToNative(pv)
	}
	return v
}

func printWriteStats(stats bifrost.QueryStats) {
	var parts []string
	if stats.NodesCreated > 0 {
		parts = append(parts, fmt.Sprintf("%d nodes created", stats.NodesCreated))
	}
	if stats.NodesDeleted > 0 {
		parts = append(parts, fmt.Sprintf("%d nodes deleted", stats.NodesDeleted))
	}
	if stats.RelationshipsCreated > 0 {
		parts = append(parts, fmt.Sprintf("%d relationships created", stats.RelationshipsCreated))
	}
	if stats.RelationshipsDeleted > 0 {
		parts = append(parts, fmt.Sprintf("%d relationships deleted", stats.RelationshipsDeleted))
	}
	if stats.PropertiesSet > 0 {
		parts = append(parts, fmt.Sprintf("%d properties set", stats.PropertiesSet))
	}
	if len(parts) > 0 {
		fmt.Println(strings.Join(parts, ", "))
	}
}
