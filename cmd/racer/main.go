package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/jnoller/racer/internal/domain"
	"github.com/jnoller/racer/internal/orchestrator"
	apiclient "github.com/jnoller/racer/pkg/api/client"
)

type cliConfig struct {
	APIBaseURL string `json:"api_base_url"`
}

var buildVersion = "dev"

const defaultAPIBase = "http://localhost:8001"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "run":
		err = commandRun(args)
	case "ps":
		err = commandPS(args)
	case "status":
		err = commandStatus(args)
	case "logs":
		err = commandLogs(args)
	case "stop":
		err = commandStop(args)
	case "remove", "rm":
		err = commandRemove(args)
	case "rerun":
		err = commandRerun(args)
	case "scale":
		err = commandScale(args)
	case "scale-up":
		err = commandScaleDelta(args, true)
	case "scale-down":
		err = commandScaleDelta(args, false)
	case "cleanup":
		err = commandCleanup(args)
	case "list":
		err = commandList(args)
	case "services":
		err = commandServices(args)
	case "service-status":
		err = commandServiceStatus(args)
	case "service-logs":
		err = commandServiceLogs(args)
	case "service-remove":
		err = commandServiceRemove(args)
	case "validate":
		err = commandValidate(args)
	case "health":
		err = commandHealth(args)
	case "config":
		err = commandConfig(args)
	case "version", "--version", "-v":
		printVersion()
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func commandRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	path := fs.String("path", "", "Project directory containing conda-project.yml")
	gitURL := fs.String("git", "", "Git repository URL to deploy instead of a local path")
	port := fs.Int("port", 0, "Application port inside the container")
	command := fs.String("command", "", "Override the manifest run command")
	env := fs.String("env", "", "Environment variables as comma separated KEY=VALUE pairs")
	steps := fs.String("steps", "", "Custom build steps, semicolon separated, run before environment preparation")
	fs.Parse(args)

	if strings.TrimSpace(*path) == "" && strings.TrimSpace(*gitURL) == "" {
		return errors.New("--path or --git is required")
	}

	req := orchestrator.RunRequest{
		Path:        strings.TrimSpace(*path),
		GitURL:      strings.TrimSpace(*gitURL),
		AppPort:     *port,
		Environment: parseEnvPairs(*env),
		CustomSteps: splitList(*steps, ";"),
	}
	if cmd := strings.TrimSpace(*command); cmd != "" {
		req.Command = strings.Fields(cmd)
	}

	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	result, err := client.Run(ctx, req)
	if err != nil {
		return err
	}
	fmt.Println(result.Message)
	if result.Instance != nil {
		fmt.Printf("container: %s\n", result.Instance.ContainerID)
	}
	if result.AppURL != "" {
		fmt.Printf("app url: %s\n", result.AppURL)
	}
	return nil
}

func commandPS(args []string) error {
	fs := flag.NewFlagSet("ps", flag.ExitOnError)
	fs.Parse(args)

	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	instances, err := client.Containers(ctx)
	if err != nil {
		return err
	}
	if len(instances) == 0 {
		fmt.Println("no containers")
		return nil
	}
	for _, inst := range instances {
		fmt.Printf("%s\t%s\t%s\t%s\n", shortID(inst.ContainerID), inst.ContainerName, colorStatus(string(inst.Status)), formatPorts(inst.Ports))
	}
	return nil
}

func commandStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	fs.Parse(args)
	identifier, err := requireIdentifier(fs)
	if err != nil {
		return err
	}

	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	result, err := client.Status(ctx, identifier)
	if err != nil {
		return err
	}
	if result.Kind == "group" && result.Group != nil {
		fmt.Printf("replica group %s: %s (%d/%d replicas)\n", result.Group.Name, colorStatus(result.Group.Status), result.Group.RunningReplicas, result.Group.DesiredReplicas)
	} else if result.Instance != nil {
		fmt.Printf("%s: %s\n", result.Instance.ContainerName, colorStatus(string(result.Instance.Status)))
	}
	if result.AppAccessible {
		fmt.Println("application: " + green("accessible"))
	} else {
		fmt.Println("application: " + red("not accessible"))
	}
	if result.Diagnostic != "" {
		fmt.Println(result.Diagnostic)
	}
	return nil
}

func commandLogs(args []string) error {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	tail := fs.Int("tail", 0, "Number of trailing lines to fetch")
	fs.Parse(args)
	identifier, err := requireIdentifier(fs)
	if err != nil {
		return err
	}

	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := client.Logs(ctx, identifier, *tail)
	if err != nil {
		return err
	}
	fmt.Print(result.Logs)
	if result.Logs != "" && !strings.HasSuffix(result.Logs, "\n") {
		fmt.Println()
	}
	return nil
}

func commandStop(args []string) error {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	fs.Parse(args)
	identifier, err := requireIdentifier(fs)
	if err != nil {
		return err
	}

	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	result, err := client.Stop(ctx, identifier)
	if err != nil {
		return err
	}
	fmt.Println(result.Message)
	return nil
}

func commandRemove(args []string) error {
	fs := flag.NewFlagSet("remove", flag.ExitOnError)
	fs.Parse(args)
	identifier, err := requireIdentifier(fs)
	if err != nil {
		return err
	}

	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	result, err := client.Remove(ctx, identifier)
	if err != nil {
		return err
	}
	fmt.Println(result.Message)
	return nil
}

func commandRerun(args []string) error {
	fs := flag.NewFlagSet("rerun", flag.ExitOnError)
	rebuild := fs.Bool("rebuild", false, "Rebuild the image before starting the new instance")
	fs.Parse(args)
	identifier, err := requireIdentifier(fs)
	if err != nil {
		return err
	}

	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	result, err := client.Rerun(ctx, identifier, *rebuild)
	if err != nil {
		return err
	}
	fmt.Println(result.Message)
	if result.Instance != nil {
		fmt.Printf("container: %s\n", result.Instance.ContainerID)
	}
	if result.AppURL != "" {
		fmt.Printf("app url: %s\n", result.AppURL)
	}
	return nil
}

func commandScale(args []string) error {
	fs := flag.NewFlagSet("scale", flag.ExitOnError)
	name := fs.String("name", "", "Project name to scale")
	replicas := fs.Int("replicas", -1, "Desired replica count")
	image := fs.String("image", "", "Image override (defaults to the project's built image)")
	port := fs.Int("port", 0, "Application port override")
	env := fs.String("env", "", "Environment variables as comma separated KEY=VALUE pairs")
	fs.Parse(args)

	if strings.TrimSpace(*name) == "" {
		return errors.New("--name is required")
	}
	if *replicas < 0 {
		return errors.New("--replicas is required and must be zero or greater")
	}

	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	result, err := client.Scale(ctx, orchestrator.ScaleRequest{
		Name:        strings.TrimSpace(*name),
		Replicas:    *replicas,
		Image:       strings.TrimSpace(*image),
		AppPort:     *port,
		Environment: parseEnvPairs(*env),
	})
	if err != nil {
		return err
	}
	fmt.Println(result.Message)
	printGroupState(result.State)
	return nil
}

func commandScaleDelta(args []string, up bool) error {
	verb := "scale-up"
	if !up {
		verb = "scale-down"
	}
	fs := flag.NewFlagSet(verb, flag.ExitOnError)
	name := fs.String("name", "", "Replica group name")
	delta := fs.Int("delta", 1, "Replica count change")
	fs.Parse(args)

	if strings.TrimSpace(*name) == "" {
		return errors.New("--name is required")
	}

	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	var result orchestrator.ScaleResult
	if up {
		result, err = client.ScaleUp(ctx, strings.TrimSpace(*name), *delta)
	} else {
		result, err = client.ScaleDown(ctx, strings.TrimSpace(*name), *delta)
	}
	if err != nil {
		return err
	}
	fmt.Println(result.Message)
	printGroupState(result.State)
	return nil
}

func commandCleanup(args []string) error {
	fs := flag.NewFlagSet("cleanup", flag.ExitOnError)
	fs.Parse(args)

	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	result, err := client.Cleanup(ctx)
	if err != nil {
		return err
	}
	fmt.Println(result.Message)
	for _, id := range result.Removed {
		fmt.Printf("removed %s\n", shortID(id))
	}
	return nil
}

func commandList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	fs.Parse(args)

	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	result, err := client.List(ctx)
	if err != nil {
		return err
	}
	if len(result.Items) == 0 {
		fmt.Println("no deployments")
		return nil
	}
	for _, item := range result.Items {
		id := item.ContainerID
		if item.Kind == "group" {
			id = item.ServiceID
		}
		replicas := ""
		if item.Kind == "group" {
			replicas = strconv.Itoa(item.Replicas)
		}
		fmt.Printf("%s\t%s\t%s\t%s\t%s\n", item.Name, item.Kind, colorStatus(item.Status), shortID(id), replicas)
	}
	return nil
}

func commandServices(args []string) error {
	fs := flag.NewFlagSet("services", flag.ExitOnError)
	fs.Parse(args)

	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	services, err := client.Services(ctx)
	if err != nil {
		return err
	}
	if len(services) == 0 {
		fmt.Println("no services")
		return nil
	}
	for _, svc := range services {
		fmt.Printf("%s\t%s\t%d/%d\t%s\n", svc.Name, colorStatus(svc.Status), svc.RunningReplicas, svc.DesiredReplicas, shortID(svc.ServiceID))
	}
	return nil
}

func commandServiceStatus(args []string) error {
	fs := flag.NewFlagSet("service-status", flag.ExitOnError)
	fs.Parse(args)
	name, err := requireName(fs)
	if err != nil {
		return err
	}

	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	state, err := client.ServiceStatus(ctx, name)
	if err != nil {
		return err
	}
	printGroupState(&state)
	return nil
}

func commandServiceLogs(args []string) error {
	fs := flag.NewFlagSet("service-logs", flag.ExitOnError)
	tail := fs.Int("tail", 0, "Number of trailing lines per replica")
	fs.Parse(args)
	name, err := requireName(fs)
	if err != nil {
		return err
	}

	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := client.ServiceLogs(ctx, name, *tail)
	if err != nil {
		return err
	}
	fmt.Print(result.Logs)
	if result.Logs != "" && !strings.HasSuffix(result.Logs, "\n") {
		fmt.Println()
	}
	return nil
}

func commandServiceRemove(args []string) error {
	fs := flag.NewFlagSet("service-remove", flag.ExitOnError)
	fs.Parse(args)
	name, err := requireName(fs)
	if err != nil {
		return err
	}

	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	result, err := client.ServiceRemove(ctx, name)
	if err != nil {
		return err
	}
	fmt.Println(result.Message)
	return nil
}

func commandValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	path := fs.String("path", "", "Project directory to validate")
	fs.Parse(args)

	if strings.TrimSpace(*path) == "" {
		return errors.New("--path is required")
	}

	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	result, err := client.Validate(ctx, strings.TrimSpace(*path))
	if err != nil {
		return err
	}
	if result.Valid {
		fmt.Printf("%s: project %q is deployable\n", green("ok"), result.ProjectName)
	} else {
		fmt.Printf("%s: %s\n", red("invalid"), strings.Join(result.Errors, "; "))
	}
	for _, warning := range result.Warnings {
		fmt.Printf("warning: %s\n", warning)
	}
	return nil
}

func commandHealth(args []string) error {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	fs.Parse(args)

	client, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		return err
	}
	status, _ := health["status"].(string)
	if status == "ok" {
		fmt.Println(green(status))
	} else {
		fmt.Println(red(status))
	}
	if components, ok := health["components"].(map[string]any); ok {
		for name, state := range components {
			fmt.Printf("%s: %v\n", name, state)
		}
	}
	return nil
}

func commandConfig(args []string) error {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	apiBase := fs.String("api", "", "API base URL to persist")
	fs.Parse(args)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if strings.TrimSpace(*apiBase) == "" {
		fmt.Printf("api_base_url: %s\n", cfg.APIBaseURL)
		return nil
	}
	cfg.APIBaseURL = strings.TrimSpace(*apiBase)
	if err := saveConfig(cfg); err != nil {
		return err
	}
	fmt.Printf("api_base_url set to %s\n", cfg.APIBaseURL)
	return nil
}

func newClient() (*apiclient.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return apiclient.New(cfg.APIBaseURL)
}

// requireIdentifier reads the single positional argument left after flag
// parsing: a project id, project name, or container id.
func requireIdentifier(fs *flag.FlagSet) (string, error) {
	if fs.NArg() != 1 || strings.TrimSpace(fs.Arg(0)) == "" {
		return "", errors.New("exactly one identifier argument is required")
	}
	return strings.TrimSpace(fs.Arg(0)), nil
}

func requireName(fs *flag.FlagSet) (string, error) {
	if fs.NArg() != 1 || strings.TrimSpace(fs.Arg(0)) == "" {
		return "", errors.New("exactly one service name argument is required")
	}
	return strings.TrimSpace(fs.Arg(0)), nil
}

func parseEnvPairs(raw string) map[string]string {
	pairs := splitList(raw, ",")
	if len(pairs) == 0 {
		return nil
	}
	env := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || strings.TrimSpace(key) == "" {
			continue
		}
		env[strings.TrimSpace(key)] = value
	}
	return env
}

func splitList(raw, sep string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, sep)
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func printGroupState(state *domain.GroupState) {
	if state == nil {
		return
	}
	fmt.Printf("%s\t%s\t%d/%d replicas", state.Name, colorStatus(state.Status), state.RunningReplicas, state.DesiredReplicas)
	if len(state.Ports) > 0 {
		fmt.Printf("\tports %s", formatPorts(state.Ports))
	}
	fmt.Println()
}

func formatPorts(ports map[int]int) string {
	if len(ports) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(ports))
	for host, app := range ports {
		parts = append(parts, fmt.Sprintf("%d->%d", host, app))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	if id == "" {
		return "-"
	}
	return id
}

var stdoutIsTerminal = term.IsTerminal(int(os.Stdout.Fd()))

func colorStatus(status string) string {
	switch status {
	case "running":
		return green(status)
	case "stopped", "removed", "inactive":
		return red(status)
	default:
		return status
	}
}

func green(s string) string {
	if !stdoutIsTerminal {
		return s
	}
	return "\033[32m" + s + "\033[0m"
}

func red(s string) string {
	if !stdoutIsTerminal {
		return s
	}
	return "\033[31m" + s + "\033[0m"
}

func loadConfig() (cliConfig, error) {
	path, err := configPath()
	if err != nil {
		return cliConfig{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cliConfig{APIBaseURL: defaultAPIBase}, nil
		}
		return cliConfig{}, err
	}
	var cfg cliConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cliConfig{}, err
	}
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = defaultAPIBase
	}
	return cfg, nil
}

func saveConfig(cfg cliConfig) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func configPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "racer", "config.json"), nil
}

func printUsage() {
	fmt.Printf("racer CLI %s\n\n", buildVersion)
	fmt.Print(`Usage:
	racer run --path <dir> [--git url] [--port N] [--command "cmd"] [--env K=V,K=V] [--steps "cmd;cmd"]
	racer ps
	racer list
	racer status <identifier>
	racer logs [--tail N] <identifier>
	racer stop <identifier>
	racer remove <identifier>
	racer rerun [--rebuild] <identifier>
	racer scale --name <project> --replicas N [--image ref] [--port N] [--env K=V,K=V]
	racer scale-up --name <project> [--delta N]
	racer scale-down --name <project> [--delta N]
	racer cleanup
	racer services
	racer service-status <name>
	racer service-logs [--tail N] <name>
	racer service-remove <name>
	racer validate --path <dir>
	racer health
	racer config [--api http://localhost:8001]
	racer version

An identifier is a project id, project name, or container id; unambiguous
prefixes of ids are accepted.
`)
}

func printVersion() {
	fmt.Println(strings.TrimSpace(buildVersion))
}
