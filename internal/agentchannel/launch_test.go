package agentchannel

import (
	"strings"
	"testing"
)

func TestBuildLaunchCommandIncludesEnvAndPrompt(t *testing.T) {
	cmd := BuildLaunchCommand("/home/sprite/repos/owner/repo", "owner/repo", "tok123", "")
	if !strings.HasPrefix(cmd, "cd '/home/sprite/repos/owner/repo' && AGENT_OAUTH_TOKEN='tok123' agent") {
		t.Fatalf("unexpected command: %s", cmd)
	}
	if !strings.Contains(cmd, "--append-system-prompt 'You are working in the owner/repo repository.'") {
		t.Errorf("expected system prompt clause, got %s", cmd)
	}
	if strings.Contains(cmd, "GH_TOKEN") {
		t.Errorf("expected no GH_TOKEN when unset, got %s", cmd)
	}
}

func TestBuildLaunchCommandWithGHToken(t *testing.T) {
	cmd := BuildLaunchCommand("/home/sprite", "", "tok", "ghtok")
	if !strings.Contains(cmd, "GH_TOKEN='ghtok'") {
		t.Errorf("expected GH_TOKEN clause, got %s", cmd)
	}
	if strings.Contains(cmd, "--append-system-prompt") {
		t.Errorf("expected no system prompt clause for repo-less task, got %s", cmd)
	}
}

func TestBuildLaunchCommandEscapesSingleQuoteInRepoName(t *testing.T) {
	cmd := BuildLaunchCommand("/home/sprite", "owner/can't-repo", "tok", "")
	if !strings.Contains(cmd, `can'\''t-repo`) {
		t.Errorf("expected escaped single quote, got %s", cmd)
	}
}

func TestBuildLaunchArgvWrapsInShellC(t *testing.T) {
	argv := BuildLaunchArgv("/home/sprite", "", "tok", "")
	if len(argv) != 3 || argv[0] != "/bin/sh" || argv[1] != "-c" {
		t.Fatalf("unexpected argv: %v", argv)
	}
}
