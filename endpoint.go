package brocker

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	goccyjson "github.com/goccy/go-json"
)

// Protocol is the scheme half of an Endpoint.
type Protocol string

const (
	ProtocolAMQP  Protocol = "amqp"
	ProtocolAMQPS Protocol = "amqps"

	maxChannelMax uint64 = 1<<16 - 1
	maxFrameMax   uint64 = 1<<32 - 1
	maxHeartbeat  uint64 = 1<<32 - 1
	maxPort       int    = 65535

	defaultPort = 5672
)

// Endpoint is the canonical, fully-populated record describing one broker
// node. Every field is always present after ParseNodes returns; String and
// MarshalJSON both mask the password.
type Endpoint struct {
	Protocol   Protocol
	Hostname   string
	Port       int
	Username   string
	Password   string
	Locale     string
	FrameMax   uint32
	ChannelMax uint16
	Heartbeat  uint32
	Vhost      string
}

// NodeList is an ordered, non-empty sequence of Endpoint. Order of
// declaration is preserved and drives round-robin.
type NodeList []Endpoint

func (n NodeList) String() string {
	parts := make([]string, len(n))
	for i, e := range n {
		parts[i] = e.String()
	}
	return strings.Join(parts, ",")
}

// String renders the stable connection-string form:
// <proto>://<user>:****@<host>:<port><vhost>[?<kv>(&<kv>)*].
func (e Endpoint) String() string {
	base := fmt.Sprintf("%s://%s:****@%s:%d%s", e.Protocol, e.Username, e.Hostname, e.Port, e.Vhost)
	if q := e.renderQuery(); q != "" {
		return base + "?" + q
	}
	return base
}

func (e Endpoint) renderQuery() string {
	var parts []string
	if e.FrameMax != 0 {
		parts = append(parts, fmt.Sprintf("frameMax=%d", e.FrameMax))
	}
	if e.ChannelMax != 0 {
		parts = append(parts, fmt.Sprintf("channelMax=%d", e.ChannelMax))
	}
	if e.Heartbeat != 0 {
		parts = append(parts, fmt.Sprintf("heartbeat=%d", e.Heartbeat))
	}
	return strings.Join(parts, "&")
}

// MarshalJSON renders the same password-masked view as String, as a
// structured object, via goccy/go-json (the codec's own JSON engine).
func (e Endpoint) MarshalJSON() ([]byte, error) {
	type masked struct {
		Protocol   Protocol `json:"protocol"`
		Hostname   string   `json:"hostname"`
		Port       int      `json:"port"`
		Username   string   `json:"username"`
		Password   string   `json:"password"`
		Locale     string   `json:"locale"`
		FrameMax   uint32   `json:"frameMax"`
		ChannelMax uint16   `json:"channelMax"`
		Heartbeat  uint32   `json:"heartbeat"`
		Vhost      string   `json:"vhost"`
	}
	return goccyjson.Marshal(masked{
		Protocol:   e.Protocol,
		Hostname:   e.Hostname,
		Port:       e.Port,
		Username:   e.Username,
		Password:   "****",
		Locale:     e.Locale,
		FrameMax:   e.FrameMax,
		ChannelMax: e.ChannelMax,
		Heartbeat:  e.Heartbeat,
		Vhost:      e.Vhost,
	})
}

// url builds the real amqp091-go dial target for this endpoint, password
// included; never logged or rendered, only passed to amqp.DialConfig.
func (e Endpoint) url() string {
	return fmt.Sprintf("%s://%s:%s@%s:%d%s", e.Protocol, e.Username, e.Password, e.Hostname, e.Port, e.Vhost)
}

func defaultEndpoint() Endpoint {
	return Endpoint{
		Protocol: ProtocolAMQP,
		Hostname: "localhost",
		Port:     defaultPort,
		Username: "guest",
		Password: "guest",
		Locale:   "en_US",
		Vhost:    "/",
	}
}

// ParseNodes normalizes any of the accepted NodeSpec shapes - nil, a
// connection string (possibly comma-delimited), an Endpoint, a slice
// mixing strings and Endpoints, a Config, or a PolicyObject - into a
// canonical, non-empty NodeList. Any malformed field is a
// *ConfigurationError, fatal at construction.
func ParseNodes(spec interface{}) (NodeList, error) {
	switch v := spec.(type) {
	case nil:
		return NodeList{defaultEndpoint()}, nil
	case NodeList:
		if len(v) == 0 {
			return ParseNodes(nil)
		}
		out := make(NodeList, 0, len(v))
		for _, ep := range v {
			canon, err := canonicalize(ep)
			if err != nil {
				return nil, err
			}
			out = append(out, canon)
		}
		return out, nil
	case Endpoint:
		canon, err := canonicalize(v)
		if err != nil {
			return nil, err
		}
		return NodeList{canon}, nil
	case string:
		return parseNodeString(v)
	case []string:
		var out NodeList
		for _, item := range v {
			sub, err := ParseNodes(item)
			if err != nil {
				return nil, err
			}
			out = append(out, sub...)
		}
		return finalizeNodeList(out)
	case []Endpoint:
		return ParseNodes(NodeList(v))
	case []interface{}:
		var out NodeList
		for _, item := range v {
			sub, err := ParseNodes(item)
			if err != nil {
				return nil, err
			}
			out = append(out, sub...)
		}
		return finalizeNodeList(out)
	case Config:
		if v.Connection != nil {
			return ParseNodes(v.Connection)
		}
		return ParseNodes(nil)
	case *Config:
		if v == nil || v.Connection == nil {
			return ParseNodes(nil)
		}
		return ParseNodes(v.Connection)
	case PolicyObject:
		return ParseNodes(v.Nodes)
	default:
		return nil, newConfigurationError("unsupported node specification type %T", spec)
	}
}

func finalizeNodeList(n NodeList) (NodeList, error) {
	if len(n) == 0 {
		return nil, ErrEmptyNodeList
	}
	return n, nil
}

func parseNodeString(s string) (NodeList, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return NodeList{defaultEndpoint()}, nil
	}

	pieces := strings.Split(s, ",")
	out := make(NodeList, 0, len(pieces))
	for _, piece := range pieces {
		piece = strings.TrimSpace(piece)
		if piece == "" {
			continue
		}
		ep, err := parseURL(piece)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return finalizeNodeList(out)
}

func parseURL(raw string) (Endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, newConfigurationError("malformed connection string '%s': %s", raw, err)
	}

	protocol, err := validateProtocol(u.Scheme)
	if err != nil {
		return Endpoint{}, err
	}

	hostname := u.Hostname()
	if hostname == "" {
		hostname = "localhost"
	}

	port, err := validatePort(u.Port())
	if err != nil {
		return Endpoint{}, err
	}

	username := "guest"
	password := "guest"
	if u.User != nil {
		if name := u.User.Username(); name != "" {
			username = name
		}
		if pw, ok := u.User.Password(); ok && pw != "" {
			password = pw
		}
	}

	vhost, err := validateVhost(u.Path)
	if err != nil {
		return Endpoint{}, err
	}

	q := u.Query()
	frameMax, err := validateFrameMax(q.Get("frameMax"))
	if err != nil {
		return Endpoint{}, err
	}
	channelMax, err := validateChannelMax(q.Get("channelMax"))
	if err != nil {
		return Endpoint{}, err
	}
	heartbeat, err := validateHeartbeat(q.Get("heartbeat"))
	if err != nil {
		return Endpoint{}, err
	}

	return Endpoint{
		Protocol:   protocol,
		Hostname:   hostname,
		Port:       port,
		Username:   username,
		Password:   password,
		Locale:     "en_US",
		FrameMax:   frameMax,
		ChannelMax: channelMax,
		Heartbeat:  heartbeat,
		Vhost:      vhost,
	}, nil
}

// canonicalize validates and defaults an Endpoint constructed directly as a
// Go struct literal. Go's type system already bounds FrameMax/ChannelMax to
// their spec ranges (uint32/uint16), so only protocol, port and vhost need
// explicit checks on this path; a zero Port is treated as "unset" since
// port 0 is never a meaningful broker default.
func canonicalize(ep Endpoint) (Endpoint, error) {
	out := ep

	switch out.Protocol {
	case "":
		out.Protocol = ProtocolAMQP
	case ProtocolAMQP, ProtocolAMQPS:
	default:
		return Endpoint{}, newConfigurationError("Invalid protocol '%s'", out.Protocol)
	}

	if out.Hostname == "" {
		out.Hostname = "localhost"
	}

	if out.Port == 0 {
		out.Port = defaultPort
	} else if out.Port < 0 || out.Port > maxPort {
		return Endpoint{}, newConfigurationError("Invalid port '%d'", out.Port)
	}

	if out.Username == "" {
		out.Username = "guest"
	}
	if out.Password == "" {
		out.Password = "guest"
	}
	out.Locale = "en_US"

	if out.Vhost == "" {
		out.Vhost = "/"
	} else if !strings.HasPrefix(out.Vhost, "/") {
		return Endpoint{}, newConfigurationError("Invalid vhost '%s'. Must start with '/'", out.Vhost)
	}

	return out, nil
}

func validateProtocol(raw string) (Protocol, error) {
	switch raw {
	case "":
		return ProtocolAMQP, nil
	case string(ProtocolAMQP):
		return ProtocolAMQP, nil
	case string(ProtocolAMQPS):
		return ProtocolAMQPS, nil
	default:
		return "", newConfigurationError("Invalid protocol '%s'", raw)
	}
}

func validatePort(raw string) (int, error) {
	if raw == "" {
		return defaultPort, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 || n > maxPort {
		return 0, newConfigurationError("Invalid port '%s'", raw)
	}
	return n, nil
}

func validateChannelMax(raw string) (uint16, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || n > maxChannelMax {
		return 0, newConfigurationError("Invalid channelMax '%s'. Expected range between 0 and 2^16-1", raw)
	}
	return uint16(n), nil
}

func validateFrameMax(raw string) (uint32, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || n > maxFrameMax {
		return 0, newConfigurationError("Invalid frameMax '%s'. Expected range between 0 and 2^32-1", raw)
	}
	return uint32(n), nil
}

func validateHeartbeat(raw string) (uint32, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || n > maxHeartbeat {
		return 0, newConfigurationError("Invalid heartbeat '%s'. Expected range between 0 and 2^32-1", raw)
	}
	return uint32(n), nil
}

func validateVhost(raw string) (string, error) {
	if raw == "" {
		return "/", nil
	}
	if !strings.HasPrefix(raw, "/") {
		return "", newConfigurationError("Invalid vhost '%s'. Must start with '/'", raw)
	}
	return raw, nil
}
