package policy

import (
	"regexp"
	"strings"
)

// hardDenyRule is a compiled non-overridable pattern. Matched before any
// learned rule; a hit is always deny with critical risk.
type hardDenyRule struct {
	name  string
	match func(tool, command, path string) bool
}

var (
	// rm -rf / or ~ (any flag-letter ordering, long flags included)
	reRecursiveRootDelete = regexp.MustCompile(`\brm\s+(-[a-zA-Z]*[rR][a-zA-Z]*f[a-zA-Z]*|-[a-zA-Z]*f[a-zA-Z]*[rR][a-zA-Z]*|--recursive\s+--force|--force\s+--recursive)\s+(/|~|\$HOME)([\s'"*/]|$)`)

	// curl/wget piped into a shell
	rePipeToShell = regexp.MustCompile(`\b(curl|wget)\b[^|;&]*\|\s*(sudo\s+)?(ba|z|da|k|fi)?sh\b`)

	// raw socket tools
	reRawSocket = regexp.MustCompile(`(^|[\s;|&])(nc|ncat|socat|telnet)\b`)

	// command substitution probing credential-bearing env vars
	reCredentialProbe = regexp.MustCompile(`(\$\(|` + "`" + `)[^)` + "`" + `]*\$\{?[A-Za-z_]*(API_?KEY|TOKEN|SECRET|PASSWORD|PASSWD|CREDENTIALS?)`)
)

// systemDirs are prefixes no tool may write under.
var systemDirs = []string{
	"/etc/", "/usr/", "/bin/", "/sbin/", "/boot/", "/lib/", "/lib64/",
	"/proc/", "/sys/", "/dev/", "/System/", "/Library/", "/var/lib/",
}

// writeTools are tool names treated as filesystem writes for the
// system-directory check.
var writeTools = map[string]bool{
	"write_file":  true,
	"edit_file":   true,
	"delete_file": true,
	"apply_patch": true,
}

func builtinHardDeny() []hardDenyRule {
	return []hardDenyRule{
		{
			name: "recursive_root_delete",
			match: func(_, command, _ string) bool {
				return reRecursiveRootDelete.MatchString(command)
			},
		},
		{
			name: "system_dir_write",
			match: func(tool, command, path string) bool {
				if writeTools[tool] && underSystemDir(path) {
					return true
				}
				// shell redirections / tee / cp into system dirs
				if command == "" {
					return false
				}
				for _, dir := range systemDirs {
					if strings.Contains(command, "> "+dir) || strings.Contains(command, ">"+dir) ||
						strings.Contains(command, "tee "+dir) || strings.Contains(command, "tee -a "+dir) {
						return true
					}
				}
				return false
			},
		},
		{
			name: "raw_socket_tool",
			match: func(_, command, _ string) bool {
				return reRawSocket.MatchString(command)
			},
		},
		{
			name: "pipe_to_shell",
			match: func(_, command, _ string) bool {
				return rePipeToShell.MatchString(command)
			},
		},
		{
			name: "credential_env_probe",
			match: func(_, command, _ string) bool {
				return reCredentialProbe.MatchString(command)
			},
		},
	}
}

func underSystemDir(path string) bool {
	if path == "" {
		return false
	}
	for _, dir := range systemDirs {
		if strings.HasPrefix(path, dir) || path == strings.TrimSuffix(dir, "/") {
			return true
		}
	}
	return false
}

// compileExtraHardDeny turns user-supplied deny patterns from config into
// substring matchers over the command string. Invalid regexes degrade to
// literal substring matching rather than failing startup.
func compileExtraHardDeny(patterns []string) []hardDenyRule {
	rules := make([]hardDenyRule, 0, len(patterns))
	for _, p := range patterns {
		p := p
		if re, err := regexp.Compile(p); err == nil {
			rules = append(rules, hardDenyRule{
				name:  "config:" + p,
				match: func(_, command, _ string) bool { return re.MatchString(command) },
			})
		} else {
			rules = append(rules, hardDenyRule{
				name:  "config:" + p,
				match: func(_, command, _ string) bool { return strings.Contains(command, p) },
			})
		}
	}
	return rules
}
