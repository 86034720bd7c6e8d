package process

import (
	"fmt"
	"sort"
	"strings"
)

// ShellQuote single-quotes arg for safe interpolation into a /bin/sh
// command line. Plain words pass through untouched.
func ShellQuote(arg string) string {
	if arg == "" {
		return "''"
	}
	if strings.IndexFunc(arg, func(r rune) bool {
		return !(r == '-' || r == '_' || r == '.' || r == '/' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'))
	}) == -1 {
		return arg
	}
	return "'" + strings.ReplaceAll(arg, "'", `'"'"'`) + "'"
}

// Script assembles the shell line for a one-shot command: env exports
// and an optional cd prefix, then the command as-is so shell syntax
// (pipes, redirections, quoting) keeps working.
func Script(command, workdir string, env map[string]string) string {
	var b strings.Builder
	writeEnvExports(&b, env)
	if workdir != "" {
		fmt.Fprintf(&b, "cd %s || exit 1; ", ShellQuote(workdir))
	}
	b.WriteString(command)
	return b.String()
}

// spawnScript wraps a spawned command so its pid lands in pidFile before
// the command takes over the shell via exec. Kill reads that file to
// forward signals with a second exec.
func spawnScript(command, workdir string, env map[string]string, pidFile string) string {
	var b strings.Builder
	writeEnvExports(&b, env)
	if workdir != "" {
		fmt.Fprintf(&b, "cd %s || exit 1; ", ShellQuote(workdir))
	}
	fmt.Fprintf(&b, "echo $$ >%s; exec /bin/sh -c %s", ShellQuote(pidFile), ShellQuote(command))
	return b.String()
}

func writeEnvExports(b *strings.Builder, env map[string]string) {
	if len(env) == 0 {
		return
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "export %s=%s; ", k, ShellQuote(env[k]))
	}
}
