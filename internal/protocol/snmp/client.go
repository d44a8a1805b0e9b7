// internal/protocol/snmp/client.go
package snmp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/tamzrod/fieldlink/internal/address"
	"github.com/tamzrod/fieldlink/internal/fault"
	"github.com/tamzrod/fieldlink/internal/protocol"
)

// DefaultPort is used when a target address carries no port.
const DefaultPort = 161

// V3Config carries USM credentials.
type V3Config struct {
	User         string
	AuthProtocol string // md5, sha, sha224, sha256, sha384, sha512
	AuthKey      string
	PrivProtocol string // des, aes, aes192, aes256, aes192c, aes256c
	PrivKey      string
}

// Config is one credential set. A Client may query many targets with it.
type Config struct {
	Version   string // v1, v2c (default), v3
	Community string
	V3        V3Config
	Timeout   time.Duration
}

// session is the part of gosnmp.GoSNMP the client uses.
type session interface {
	Get(ctx context.Context, oids []string) (*gosnmp.SnmpPacket, error)
	Walk(ctx context.Context, root string) ([]gosnmp.SnmpPDU, error)
	Close() error
}

// Client implements protocol.SNMPClient over gosnmp.
// Sessions are opened per target on first use and reused.
type Client struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]session
	dial     func(target string) (session, error)
}

// New validates the credential set and returns a client.
func New(cfg Config) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if _, err := version(cfg.Version); err != nil {
		return nil, err
	}
	if cfg.Version == "v3" && cfg.V3.User == "" {
		return nil, errors.New("snmp client: v3 user required")
	}

	c := &Client{
		cfg:      cfg,
		sessions: make(map[string]session),
	}
	c.dial = c.dialGoSNMP
	return c, nil
}

// Close closes all open sessions.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var last error
	for target, s := range c.sessions {
		if err := s.Close(); err != nil {
			last = err
		}
		delete(c.sessions, target)
	}
	return last
}

// GetOID implements protocol.SNMPClient.
func (c *Client) GetOID(ctx context.Context, target address.DeviceAddress, oid string) (string, error) {
	op := "get " + oid

	var pkt *gosnmp.SnmpPacket
	err := c.exchange(ctx, target, op, func(s session) (err error) {
		pkt, err = s.Get(ctx, []string{oid})
		return err
	})
	if err != nil {
		return "", err
	}

	if pkt.Error != gosnmp.NoError {
		return "", packetError(op, pkt.Error)
	}
	if len(pkt.Variables) == 0 {
		return "", fault.Newf(fault.NoSuchObject, op, "empty response")
	}
	return formatPDU(op, pkt.Variables[0])
}

// GetOIDs fetches several OIDs in one request. Missing objects come back as
// varbinds typed NoSuchObject or NoSuchInstance with an empty value.
func (c *Client) GetOIDs(ctx context.Context, target address.DeviceAddress, oids []string) ([]protocol.Varbind, error) {
	op := "get " + strings.Join(oids, ",")
	if len(oids) == 0 {
		return nil, nil
	}
	if len(oids) > gosnmp.MaxOids {
		return nil, fault.Newf(fault.InvalidValue, op, "%d oids, at most %d per request", len(oids), gosnmp.MaxOids)
	}

	var pkt *gosnmp.SnmpPacket
	err := c.exchange(ctx, target, op, func(s session) (err error) {
		pkt, err = s.Get(ctx, oids)
		return err
	})
	if err != nil {
		return nil, err
	}
	if pkt.Error != gosnmp.NoError {
		return nil, packetError(op, pkt.Error)
	}
	return varbinds(pkt.Variables), nil
}

// Walk returns every varbind under baseOID. v1 agents are walked with
// GETNEXT, v2c and v3 agents with GETBULK.
func (c *Client) Walk(ctx context.Context, target address.DeviceAddress, baseOID string) ([]protocol.Varbind, error) {
	op := "walk " + baseOID

	var pdus []gosnmp.SnmpPDU
	err := c.exchange(ctx, target, op, func(s session) (err error) {
		pdus, err = s.Walk(ctx, baseOID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return varbinds(pdus), nil
}

// exchange runs call on the target's session. Sessions that time out or
// fail at the network level are dropped and redialled on next use.
func (c *Client) exchange(ctx context.Context, target address.DeviceAddress, op string, call func(session) error) error {
	if err := ctx.Err(); err != nil {
		return fault.Classify(op, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.session(target.Address())
	if err != nil {
		return fault.New(fault.NetworkError, op, err)
	}

	if err := call(s); err != nil {
		fe := classify(op, err)
		if fe.Kind == fault.NetworkError || fe.Kind == fault.Timeout {
			_ = s.Close()
			delete(c.sessions, target.Address())
		}
		return fe
	}
	return nil
}

func (c *Client) session(target string) (session, error) {
	if s, ok := c.sessions[target]; ok {
		return s, nil
	}
	s, err := c.dial(target)
	if err != nil {
		return nil, err
	}
	c.sessions[target] = s
	return s, nil
}

// ---- gosnmp wiring ----

type goSession struct {
	g       *gosnmp.GoSNMP
	timeout time.Duration
}

// arm binds ctx to the next request and resets the timeout to the
// configured one, shortened to the ctx deadline when that comes first.
func (s goSession) arm(ctx context.Context) {
	s.g.Context = ctx
	s.g.Timeout = s.timeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left > 0 && left < s.timeout {
			s.g.Timeout = left
		}
	}
}

func (s goSession) Get(ctx context.Context, oids []string) (*gosnmp.SnmpPacket, error) {
	s.arm(ctx)
	return s.g.Get(oids)
}

func (s goSession) Walk(ctx context.Context, root string) ([]gosnmp.SnmpPDU, error) {
	s.arm(ctx)
	if s.g.Version == gosnmp.Version1 {
		return s.g.WalkAll(root)
	}
	return s.g.BulkWalkAll(root)
}

func (s goSession) Close() error {
	if s.g.Conn == nil {
		return nil
	}
	return s.g.Conn.Close()
}

func (c *Client) dialGoSNMP(target string) (session, error) {
	host, port, err := splitTarget(target)
	if err != nil {
		return nil, err
	}
	ver, _ := version(c.cfg.Version)

	g := &gosnmp.GoSNMP{
		Target:    host,
		Port:      port,
		Transport: "udp",
		Community: c.cfg.Community,
		Version:   ver,
		Timeout:   c.cfg.Timeout,
		Retries:   0, // the engine owns retries
		MaxOids:   gosnmp.MaxOids,
		Context:   context.Background(),
	}

	if ver == gosnmp.Version3 {
		usm, flags, err := usmParams(c.cfg.V3)
		if err != nil {
			return nil, err
		}
		g.SecurityModel = gosnmp.UserSecurityModel
		g.MsgFlags = flags
		g.SecurityParameters = usm
	}

	if err := g.Connect(); err != nil {
		return nil, fmt.Errorf("snmp client: connect %s: %w", target, err)
	}
	return goSession{g: g, timeout: c.cfg.Timeout}, nil
}

func splitTarget(target string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		// bare host
		return target, DefaultPort, nil
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("snmp client: bad port in %q", target)
	}
	return host, uint16(port), nil
}

func version(v string) (gosnmp.SnmpVersion, error) {
	switch strings.ToLower(v) {
	case "v1", "1":
		return gosnmp.Version1, nil
	case "", "v2c", "2c", "v2":
		return gosnmp.Version2c, nil
	case "v3", "3":
		return gosnmp.Version3, nil
	default:
		return 0, fmt.Errorf("snmp client: unknown version %q", v)
	}
}

func usmParams(v3 V3Config) (*gosnmp.UsmSecurityParameters, gosnmp.SnmpV3MsgFlags, error) {
	usm := &gosnmp.UsmSecurityParameters{UserName: v3.User}
	flags := gosnmp.NoAuthNoPriv

	if v3.AuthProtocol != "" {
		switch strings.ToLower(v3.AuthProtocol) {
		case "md5":
			usm.AuthenticationProtocol = gosnmp.MD5
		case "sha":
			usm.AuthenticationProtocol = gosnmp.SHA
		case "sha224":
			usm.AuthenticationProtocol = gosnmp.SHA224
		case "sha256":
			usm.AuthenticationProtocol = gosnmp.SHA256
		case "sha384":
			usm.AuthenticationProtocol = gosnmp.SHA384
		case "sha512":
			usm.AuthenticationProtocol = gosnmp.SHA512
		default:
			return nil, 0, fmt.Errorf("snmp client: unknown auth protocol %q", v3.AuthProtocol)
		}
		usm.AuthenticationPassphrase = v3.AuthKey
		flags = gosnmp.AuthNoPriv
	}

	if v3.PrivProtocol != "" {
		if flags != gosnmp.AuthNoPriv {
			return nil, 0, errors.New("snmp client: privacy requires authentication")
		}
		switch strings.ToLower(v3.PrivProtocol) {
		case "des":
			usm.PrivacyProtocol = gosnmp.DES
		case "aes":
			usm.PrivacyProtocol = gosnmp.AES
		case "aes192":
			usm.PrivacyProtocol = gosnmp.AES192
		case "aes256":
			usm.PrivacyProtocol = gosnmp.AES256
		case "aes192c":
			usm.PrivacyProtocol = gosnmp.AES192C
		case "aes256c":
			usm.PrivacyProtocol = gosnmp.AES256C
		default:
			return nil, 0, fmt.Errorf("snmp client: unknown privacy protocol %q", v3.PrivProtocol)
		}
		usm.PrivacyPassphrase = v3.PrivKey
		flags = gosnmp.AuthPriv
	}

	return usm, flags, nil
}

// ---- mapping ----

func classify(op string, err error) *fault.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.New(fault.Timeout, op, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fault.New(fault.Timeout, op, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"):
		return fault.New(fault.Timeout, op, err)
	case strings.Contains(msg, "authentic"),
		strings.Contains(msg, "digest"),
		strings.Contains(msg, "unknown user"),
		strings.Contains(msg, "usmstats"):
		return fault.New(fault.AuthorizationError, op, err)
	}
	return fault.New(fault.NetworkError, op, err)
}

func packetError(op string, status gosnmp.SNMPError) *fault.Error {
	code := uint16(status)
	switch status {
	case gosnmp.NoSuchName:
		return &fault.Error{Kind: fault.NoSuchObject, DeviceCode: code, Op: op}
	case gosnmp.AuthorizationError, gosnmp.NoAccess:
		return &fault.Error{Kind: fault.AuthorizationError, DeviceCode: code, Op: op}
	default:
		return fault.Device(op, code)
	}
}

func varbinds(pdus []gosnmp.SnmpPDU) []protocol.Varbind {
	out := make([]protocol.Varbind, 0, len(pdus))
	for _, v := range pdus {
		vb := protocol.Varbind{OID: strings.TrimPrefix(v.Name, "."), Type: v.Type.String()}
		if text, err := formatPDU("", v); err == nil {
			vb.Value = text
		}
		out = append(out, vb)
	}
	return out
}

// formatPDU renders a varbind value as text.
func formatPDU(op string, v gosnmp.SnmpPDU) (string, error) {
	switch v.Type {
	case gosnmp.NoSuchObject, gosnmp.NoSuchInstance, gosnmp.EndOfMibView:
		return "", fault.Newf(fault.NoSuchObject, op, "%s", v.Type)
	case gosnmp.Null:
		return "", nil
	case gosnmp.OctetString:
		if b, ok := v.Value.([]byte); ok {
			return string(b), nil
		}
	case gosnmp.ObjectIdentifier, gosnmp.IPAddress:
		if s, ok := v.Value.(string); ok {
			return s, nil
		}
	case gosnmp.Integer, gosnmp.Counter32, gosnmp.Gauge32, gosnmp.TimeTicks,
		gosnmp.Counter64, gosnmp.Uinteger32:
		return gosnmp.ToBigInt(v.Value).String(), nil
	}
	return fmt.Sprint(v.Value), nil
}
