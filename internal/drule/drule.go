// Package drule defines discovery rules: what IP ranges to scan with which
// service checks, and the in-memory registry the scheduler reads them from.
package drule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CheckType identifies the protocol probe a check performs.
type CheckType int

const (
	CheckICMP CheckType = iota
	CheckAgent
	CheckTCP
	CheckSMTP
	CheckFTP
	CheckPOP
	CheckIMAP
	CheckNNTP
	CheckHTTP
	CheckHTTPS
	CheckSSH
	CheckTelnet
	CheckLDAP
	CheckSNMPv1
	CheckSNMPv2c
	CheckSNMPv3
)

var checkTypeNames = map[CheckType]string{
	CheckICMP:    "icmp",
	CheckAgent:   "agent",
	CheckTCP:     "tcp",
	CheckSMTP:    "smtp",
	CheckFTP:     "ftp",
	CheckPOP:     "pop",
	CheckIMAP:    "imap",
	CheckNNTP:    "nntp",
	CheckHTTP:    "http",
	CheckHTTPS:   "https",
	CheckSSH:     "ssh",
	CheckTelnet:  "telnet",
	CheckLDAP:    "ldap",
	CheckSNMPv1:  "snmpv1",
	CheckSNMPv2c: "snmpv2c",
	CheckSNMPv3:  "snmpv3",
}

func (t CheckType) String() string {
	if name, ok := checkTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("checktype(%d)", int(t))
}

// ParseCheckType resolves a rule file type name.
func ParseCheckType(name string) (CheckType, error) {
	for t, n := range checkTypeNames {
		if n == strings.ToLower(strings.TrimSpace(name)) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown check type %q", name)
}

// IsSNMP reports whether the check speaks any SNMP version.
func (t CheckType) IsSNMP() bool {
	return t == CheckSNMPv1 || t == CheckSNMPv2c || t == CheckSNMPv3
}

// IsAsync reports whether the check runs through the asynchronous range
// driver. LDAP is the only synchronous single-shot check type; ICMP has its
// own batch driver.
func (t CheckType) IsAsync() bool {
	return t != CheckLDAP
}

// TimeoutClass groups check types by the global timeout configuration key
// that applies to them.
type TimeoutClass int

const (
	TimeoutSimple TimeoutClass = iota
	TimeoutAgent
	TimeoutSNMP
)

// TimeoutClass returns the global timeout class of the check type.
func (t CheckType) TimeoutClass() TimeoutClass {
	switch {
	case t == CheckAgent:
		return TimeoutAgent
	case t.IsSNMP():
		return TimeoutSNMP
	default:
		return TimeoutSimple
	}
}

// Check is one probe definition inside a rule.
type Check struct {
	DCheckID uint64
	Type     CheckType
	Ports    string
	Timeout  time.Duration

	// Key is the agent item key for agent checks and the OID for SNMP checks.
	Key string

	// SNMP parameters.
	Community     string
	SecurityName  string
	SecurityLevel string
	AuthProtocol  string
	AuthPass      string
	PrivProtocol  string
	PrivPass      string
	ContextName   string

	// AllowRedirect permits following HTTP redirects; ICMP checks do not
	// use it.
	AllowRedirect bool

	// Unique marks the check whose results identify the discovered host.
	Unique bool
}

// Rule is one discovery rule definition.
type Rule struct {
	DRuleID        uint64
	Name           string
	Delay          string
	IPRange        string
	Checks         []*Check
	Revision       uint64
	UniqueDCheckID uint64
}

// ParseDelay validates a rule update interval with an optional time suffix
// (s, m, h, d, w); a bare number means seconds. Zero or negative intervals
// are rejected.
func ParseDelay(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty interval")
	}

	mult := time.Second
	switch s[len(s)-1] {
	case 's':
		s = s[:len(s)-1]
	case 'm':
		mult = time.Minute
		s = s[:len(s)-1]
	case 'h':
		mult = time.Hour
		s = s[:len(s)-1]
	case 'd':
		mult = 24 * time.Hour
		s = s[:len(s)-1]
	case 'w':
		mult = 7 * 24 * time.Hour
		s = s[:len(s)-1]
	}

	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid interval %q", s)
	}
	return time.Duration(n) * mult, nil
}
