package agentchannel

import "strings"

// BuildLaunchArgv constructs the streaming exec argv that starts the agent
// process inside the sandbox, per the Agent Channel's launch contract: a
// single shell invocation that cds into the working directory, exports the
// credential env prefix, and starts the agent in stream-json mode.
func BuildLaunchArgv(workingDir, repoDisplayName, agentOAuthToken, ghToken string) []string {
	return []string{"/bin/sh", "-c", BuildLaunchCommand(workingDir, repoDisplayName, agentOAuthToken, ghToken)}
}

// BuildLaunchCommand renders the shell command string itself, exposed
// separately so callers (and tests) can inspect it without a shell.
func BuildLaunchCommand(workingDir, repoDisplayName, agentOAuthToken, ghToken string) string {
	var env strings.Builder
	env.WriteString("AGENT_OAUTH_TOKEN=")
	env.WriteString(shellQuote(agentOAuthToken))
	if ghToken != "" {
		env.WriteString(" GH_TOKEN=")
		env.WriteString(shellQuote(ghToken))
	}

	var cmd strings.Builder
	cmd.WriteString("cd ")
	cmd.WriteString(shellQuote(workingDir))
	cmd.WriteString(" && ")
	cmd.WriteString(env.String())
	cmd.WriteString(" agent --print --input-format stream-json --output-format stream-json --verbose")

	if repoDisplayName != "" {
		cmd.WriteString(" --append-system-prompt ")
		cmd.WriteString(shellQuote("You are working in the " + repoDisplayName + " repository."))
	}

	return cmd.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
