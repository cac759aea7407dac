//go:build linux

package firewall

import (
	"github.com/google/nftables"
)

// TableLister is the read-only slice of nftables.Conn the verifier needs.
type TableLister interface {
	ListTables() ([]*nftables.Table, error)
}

// NFTable is a native nftables table as reported by the kernel.
type NFTable struct {
	Name   string
	Family string
}

func openNFTables() TableLister {
	conn, err := nftables.New()
	if err != nil {
		return nil
	}
	return conn
}

// iptablesNFTTables are the tables iptables-nft creates in the ip and ip6
// families. Anything else was created by some other tool.
var iptablesNFTTables = map[string]bool{
	"filter":   true,
	"nat":      true,
	"mangle":   true,
	"raw":      true,
	"security": true,
}

// foreignNFTables returns tables that iptables-save will not include.
func foreignNFTables(l TableLister) ([]NFTable, error) {
	tables, err := l.ListTables()
	if err != nil {
		return nil, err
	}
	var foreign []NFTable
	for _, t := range tables {
		switch t.Family {
		case nftables.TableFamilyIPv4, nftables.TableFamilyIPv6:
			if iptablesNFTTables[t.Name] {
				continue
			}
		case nftables.TableFamilyARP, nftables.TableFamilyBridge, nftables.TableFamilyNetdev:
			// Not on the inbound IP path.
			continue
		}
		foreign = append(foreign, NFTable{Name: t.Name, Family: nfFamilyName(t.Family)})
	}
	return foreign, nil
}

func nfFamilyName(f nftables.TableFamily) string {
	switch f {
	case nftables.TableFamilyINet:
		return "inet"
	case nftables.TableFamilyIPv4:
		return "ip"
	case nftables.TableFamilyIPv6:
		return "ip6"
	}
	return "unknown"
}
