package devices

// DefaultPermissionSet holds the permissions granted to newly registered
// devices, split by OS family for the path allow-list.
type DefaultPermissionSet struct {
	AllowedTools        []string            `yaml:"allowed_tools" json:"allowed_tools" toml:"allowed_tools"`
	WindowsAllowedPaths []string            `yaml:"windows_allowed_paths" json:"windows_allowed_paths" toml:"windows_allowed_paths"`
	UnixAllowedPaths    []string            `yaml:"unix_allowed_paths" json:"unix_allowed_paths" toml:"unix_allowed_paths"`
	AllowedApps         []string            `yaml:"allowed_apps" json:"allowed_apps" toml:"allowed_apps"`
	RiskTiers           map[string]RiskTier `yaml:"risk_tiers" json:"risk_tiers" toml:"risk_tiers"`
}

// DefaultPermissions returns the stock permission set.
func DefaultPermissions() DefaultPermissionSet {
	return DefaultPermissionSet{
		AllowedTools: []string{
			"create_directory",
			"delete_directory",
			"search_files",
			"open_app",
			"get_device_info",
		},
		WindowsAllowedPaths: []string{"C:/Users", "D:/Projects"},
		UnixAllowedPaths:    []string{"/home", "/Users"},
		AllowedApps:         []string{"chrome", "firefox", "code", "explorer", "terminal"},
	}
}

// For returns the permission record a device with the given info receives.
func (s DefaultPermissionSet) For(info Info) Permissions {
	paths := s.UnixAllowedPaths
	if info.IsWindows() {
		paths = s.WindowsAllowedPaths
	}
	return Permissions{
		AllowedTools: append([]string(nil), s.AllowedTools...),
		AllowedPaths: append([]string(nil), paths...),
		AllowedApps:  append([]string(nil), s.AllowedApps...),
		RiskTiers:    cloneTiers(s.RiskTiers),
	}
}

func cloneTiers(in map[string]RiskTier) map[string]RiskTier {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]RiskTier, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
