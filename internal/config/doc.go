// Package config handles the HCL configuration file.
//
// # Overview
//
// The file is optional. Without one, portguard deploys the built-in rule set
// (the VMware host services) with a five minute deadline and persists through
// netfilter-persistent. Command-line flags override file values.
//
// # Configuration Blocks
//
//   - rule "<name>": one deny rule (port, protocol, family, description).
//     Any rule block replaces the built-in set entirely.
//   - persist: how committed rules survive a reboot.
//
// Example:
//
//	deadline           = "3m"
//	countdown_interval = "30s"
//	backend            = "nf_tables"
//	probe_targets      = ["192.0.2.1"]
//
//	persist {
//	  mode     = "files"
//	  rules_v4 = "/etc/iptables/rules.v4"
//	  rules_v6 = "/etc/iptables/rules.v6"
//	}
//
//	rule "vmware-authd" {
//	  port     = 902
//	  protocol = "tcp"
//	  family   = "both"
//	}
package config
