package discoverer

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/HerbHall/netsweep/internal/drule"
)

// prober executes a single service probe against one (ip, port) pair.
// ok=false means the service did not respond as expected; that is a
// check-level failure, never reported upward. Probes return no error.
type prober struct {
	sourceIP string
	dialer   net.Dialer
}

func newProber(sourceIP string) *prober {
	p := &prober{sourceIP: sourceIP}
	if sourceIP != "" {
		if addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(sourceIP, "0")); err == nil {
			p.dialer.LocalAddr = addr
		}
	}
	return p
}

// Probe dispatches on the check type.
func (p *prober) Probe(ctx context.Context, check *drule.Check, ip string, port int) (value string, ok bool) {
	timeout := check.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addr := net.JoinHostPort(ip, fmt.Sprintf("%d", port))

	switch check.Type {
	case drule.CheckTCP, drule.CheckTelnet, drule.CheckLDAP:
		return "", p.connect(ctx, addr)
	case drule.CheckSMTP, drule.CheckFTP:
		return "", p.banner(ctx, addr, "220")
	case drule.CheckPOP:
		return "", p.banner(ctx, addr, "+OK")
	case drule.CheckIMAP:
		return "", p.banner(ctx, addr, "* OK")
	case drule.CheckNNTP:
		return "", p.banner(ctx, addr, "200", "201")
	case drule.CheckSSH:
		return "", p.banner(ctx, addr, "SSH-")
	case drule.CheckHTTP:
		return "", p.httpProbe(ctx, "http", addr, check.AllowRedirect)
	case drule.CheckHTTPS:
		return "", p.httpProbe(ctx, "https", addr, check.AllowRedirect)
	case drule.CheckAgent:
		return p.agent(ctx, addr, check.Key)
	case drule.CheckSNMPv1, drule.CheckSNMPv2c, drule.CheckSNMPv3:
		return p.snmp(check, ip, port, timeout)
	default:
		return "", false
	}
}

// connect succeeds when the TCP handshake completes.
func (p *prober) connect(ctx context.Context, addr string) bool {
	conn, err := p.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// banner connects and expects the server greeting to start with one of the
// given prefixes.
func (p *prober) banner(ctx context.Context, addr string, prefixes ...string) bool {
	conn, err := p.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}

	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	for _, prefix := range prefixes {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

// httpProbe considers any HTTP response a discovered service; transport
// errors are failures. Redirects are followed only when the check allows it.
func (p *prober) httpProbe(ctx context.Context, scheme, addr string, allowRedirect bool) bool {
	transport := &http.Transport{
		DialContext:     p.dialer.DialContext,
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // discovery probes self-signed targets
	}
	client := &http.Client{Transport: transport}
	defer client.CloseIdleConnections()

	if !allowRedirect {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, scheme+"://"+addr+"/", nil)
	if err != nil {
		return false
	}

	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	return true
}

// agentHeader is the passive agent protocol signature.
var agentHeader = []byte{'Z', 'B', 'X', 'D', 0x01}

// agent queries a monitoring agent for the check's item key using the
// length-prefixed agent protocol.
func (p *prober) agent(ctx context.Context, addr, key string) (string, bool) {
	conn, err := p.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", false
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	packet := make([]byte, 0, len(agentHeader)+8+len(key))
	packet = append(packet, agentHeader...)
	packet = binary.LittleEndian.AppendUint64(packet, uint64(len(key)))
	packet = append(packet, key...)
	if _, err := conn.Write(packet); err != nil {
		return "", false
	}

	hdr := make([]byte, len(agentHeader)+8)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return "", false
	}
	if string(hdr[:4]) != "ZBXD" {
		return "", false
	}
	size := binary.LittleEndian.Uint64(hdr[len(agentHeader):])
	if size > 1<<20 {
		return "", false
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(conn, body); err != nil {
		return "", false
	}
	value := string(body)
	if value == "" || strings.HasPrefix(value, "ZBX_NOTSUPPORTED") {
		return "", false
	}
	return value, true
}

// snmp issues a GET for the check's OID.
func (p *prober) snmp(check *drule.Check, ip string, port int, timeout time.Duration) (string, bool) {
	client := &gosnmp.GoSNMP{
		Target:  ip,
		Port:    uint16(port),
		Timeout: timeout,
		Retries: 0,
	}

	switch check.Type {
	case drule.CheckSNMPv1:
		client.Version = gosnmp.Version1
		client.Community = check.Community
	case drule.CheckSNMPv2c:
		client.Version = gosnmp.Version2c
		client.Community = check.Community
	case drule.CheckSNMPv3:
		client.Version = gosnmp.Version3
		client.SecurityModel = gosnmp.UserSecurityModel
		client.MsgFlags = snmpV3Flags(check.SecurityLevel)
		client.SecurityParameters = &gosnmp.UsmSecurityParameters{
			UserName:                 check.SecurityName,
			AuthenticationProtocol:   snmpAuthProtocol(check.AuthProtocol),
			AuthenticationPassphrase: check.AuthPass,
			PrivacyProtocol:          snmpPrivProtocol(check.PrivProtocol),
			PrivacyPassphrase:        check.PrivPass,
		}
		client.ContextName = check.ContextName
	}

	if err := client.Connect(); err != nil {
		return "", false
	}
	defer client.Conn.Close()

	oid := check.Key
	if oid == "" {
		oid = "1.3.6.1.2.1.1.2.0" // sysObjectID
	}

	result, err := client.Get([]string{oid})
	if err != nil || len(result.Variables) == 0 {
		return "", false
	}

	pdu := result.Variables[0]
	switch pdu.Type {
	case gosnmp.NoSuchObject, gosnmp.NoSuchInstance, gosnmp.EndOfMibView:
		return "", false
	case gosnmp.OctetString:
		return string(pdu.Value.([]byte)), true
	default:
		return fmt.Sprintf("%v", pdu.Value), true
	}
}

func snmpV3Flags(level string) gosnmp.SnmpV3MsgFlags {
	switch strings.ToLower(level) {
	case "authnopriv":
		return gosnmp.AuthNoPriv
	case "authpriv":
		return gosnmp.AuthPriv
	default:
		return gosnmp.NoAuthNoPriv
	}
}

func snmpAuthProtocol(name string) gosnmp.SnmpV3AuthProtocol {
	switch strings.ToUpper(name) {
	case "MD5":
		return gosnmp.MD5
	case "SHA":
		return gosnmp.SHA
	case "SHA224":
		return gosnmp.SHA224
	case "SHA256":
		return gosnmp.SHA256
	case "SHA384":
		return gosnmp.SHA384
	case "SHA512":
		return gosnmp.SHA512
	default:
		return gosnmp.NoAuth
	}
}

func snmpPrivProtocol(name string) gosnmp.SnmpV3PrivProtocol {
	switch strings.ToUpper(name) {
	case "DES":
		return gosnmp.DES
	case "AES":
		return gosnmp.AES
	case "AES192":
		return gosnmp.AES192
	case "AES256":
		return gosnmp.AES256
	default:
		return gosnmp.NoPriv
	}
}
