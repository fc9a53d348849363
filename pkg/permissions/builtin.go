package permissions

// BuiltinRules returns the default rule set. System directories, version
// control metadata, and configuration files are protected at low priority
// numbers; a weak catch-all grants workspace write access.
func BuiltinRules() []Rule {
	return []Rule{
		{
			ID:              "protect-system-dirs",
			Name:            "Protect system directories",
			Description:     "Read-only access to operating system directories",
			ResourceType:    ResourceDirectory,
			ResourcePattern: `^/(etc|usr|bin|sbin|boot|lib|lib64|sys|proc|dev)(/.*)?$`,
			ToolNames:       []string{"*"},
			PermissionLevel: LevelRead,
			Priority:        10,
			Enabled:         true,
		},
		{
			ID:              "protect-system-commands",
			Name:            "Block destructive system commands",
			Description:     "Denies shell commands that write into system directories",
			ResourceType:    ResourceCommand,
			ResourcePattern: `(^|\s|;|&&|\|\|)(rm|mv|cp|chmod|chown|dd|mkfs|tee)\s+.*(/(etc|usr|bin|sbin|boot|sys|proc|dev)(/|\s|$))`,
			ToolNames:       []string{"bash_execute"},
			PermissionLevel: LevelNone,
			Priority:        10,
			Enabled:         true,
		},
		{
			ID:              "protect-git-metadata",
			Name:            "Protect .git trees",
			Description:     "Read-only access to version control metadata",
			ResourceType:    ResourceDirectory,
			ResourcePattern: `(^|/)\.git(/.*)?$`,
			ToolNames:       []string{"*"},
			PermissionLevel: LevelRead,
			Priority:        20,
			Enabled:         true,
		},
		{
			ID:              "protect-config-files",
			Name:            "Protect configuration files",
			Description:     "Read-only access to orchestrator configuration",
			ResourceType:    ResourceFile,
			ResourcePattern: `(^|/)(api_config|system_config|commands|persona_config|permissions)\.ya?ml$`,
			ToolNames:       []string{"*"},
			PermissionLevel: LevelRead,
			Priority:        20,
			Enabled:         true,
		},
		{
			ID:              "protect-credentials",
			Name:            "Protect credential files",
			Description:     "No access to key material and credential stores",
			ResourceType:    ResourceFile,
			ResourcePattern: `(^|/)(\.ssh|\.aws|\.gnupg)(/.*)?$|(^|/)(id_rsa|id_ed25519|\.netrc|\.env)$`,
			ToolNames:       []string{"*"},
			PermissionLevel: LevelNone,
			Priority:        15,
			Enabled:         true,
		},
		{
			ID:              "workspace-execute",
			Name:            "Workspace shell access",
			Description:     "Allows shell execution for commands not caught by stronger rules",
			ResourceType:    ResourceCommand,
			ResourcePattern: `.*`,
			ToolNames:       []string{"bash_execute"},
			PermissionLevel: LevelExecute,
			Priority:        900,
			Enabled:         true,
		},
		{
			ID:              "workspace-write",
			Name:            "Workspace write access",
			Description:     "Catch-all granting write access inside the workspace",
			ResourceType:    ResourceDirectory,
			ResourcePattern: `.*`,
			ToolNames:       []string{"*"},
			PermissionLevel: LevelWrite,
			Priority:        1000,
			Enabled:         true,
		},
	}
}
