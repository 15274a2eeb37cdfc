package main

import "testing"

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"run", "estimate", "guard", "config", "version"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("AGENTRT_CONFIG", "")
	if got, explicit := resolveConfigPath(""); got != defaultConfigPath || explicit {
		t.Fatalf("resolveConfigPath(\"\") = %q, %v", got, explicit)
	}
	if got, explicit := resolveConfigPath(" custom.yaml "); got != "custom.yaml" || !explicit {
		t.Fatalf("resolveConfigPath(custom) = %q, %v", got, explicit)
	}

	t.Setenv("AGENTRT_CONFIG", "/etc/agentrt.yaml")
	if got, explicit := resolveConfigPath(""); got != "/etc/agentrt.yaml" || !explicit {
		t.Fatalf("resolveConfigPath with env = %q, %v", got, explicit)
	}
}
