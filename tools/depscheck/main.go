package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
)

const module = "tower-arena/server/"

type packageInfo struct {
	ImportPath string
	Imports    []string
}

// layerRule forbids packages under from importing anything under any of
// the denied prefixes.
type layerRule struct {
	from   string
	denied []string
}

// The game core stays free of transport and process wiring.
var rules = []layerRule{
	{from: "internal/physics", denied: []string{"internal/session", "internal/registry", "internal/net", "internal/app"}},
	{from: "internal/move", denied: []string{"internal/session", "internal/registry", "internal/net", "internal/app"}},
	{from: "internal/turn", denied: []string{"internal/session", "internal/registry", "internal/net", "internal/app"}},
	{from: "internal/reconnect", denied: []string{"internal/session", "internal/registry", "internal/net", "internal/app"}},
	{from: "internal/session", denied: []string{"internal/registry", "internal/net", "internal/app"}},
	{from: "internal/oracle", denied: []string{"internal/session", "internal/registry", "internal/net", "internal/app"}},
	{from: "internal/registry", denied: []string{"internal/net/ws", "internal/app"}},
	{from: "logging", denied: []string{"internal/"}},
}

func main() {
	cmd := exec.Command("go", "list", "-json", "./...")
	cmd.Env = os.Environ()
	output, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			os.Stderr.Write(exitErr.Stderr)
		}
		fmt.Fprintf(os.Stderr, "depscheck: failed to list packages: %v\n", err)
		os.Exit(1)
	}

	decoder := json.NewDecoder(bytes.NewReader(output))

	var violations []string
	for {
		var pkg packageInfo
		if err := decoder.Decode(&pkg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			fmt.Fprintf(os.Stderr, "depscheck: failed to decode package info: %v\n", err)
			os.Exit(1)
		}
		violations = append(violations, check(pkg)...)
	}

	if len(violations) > 0 {
		sort.Strings(violations)
		fmt.Fprintln(os.Stderr, "depscheck: found forbidden imports:")
		for _, violation := range violations {
			fmt.Fprintf(os.Stderr, "  %s\n", violation)
		}
		os.Exit(1)
	}
}

func check(pkg packageInfo) []string {
	var out []string
	for _, rule := range rules {
		if !within(pkg.ImportPath, module+rule.from) {
			continue
		}
		for _, imp := range pkg.Imports {
			for _, denied := range rule.denied {
				if strings.HasPrefix(imp, module+denied) {
					out = append(out, fmt.Sprintf("%s -> %s", pkg.ImportPath, imp))
				}
			}
		}
	}
	return out
}

func within(path, root string) bool {
	return path == root || strings.HasPrefix(path, root+"/")
}
