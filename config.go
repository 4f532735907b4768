package brocker

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Bool returns a pointer to b, for populating the *bool "default true"
// fields of ExchangeSpec/QueueSpec (Durable) where nil means "unset, use
// the spec default" and an explicit pointer overrides it either way.
func Bool(b bool) *bool { return &b }

// Config is the top-level construction surface: a connection spec plus the
// declarative topology this Broker owns.
type Config struct {
	// Connection accepts any NodeSpec shape recognized by ParseNodes, or a
	// PolicyObject carrying retry/frequency alongside the nodes.
	Connection interface{}

	Exchanges map[string]ExchangeSpec
	Queues    map[string]QueueSpec
}

// PolicyObject bundles a NodeSpec with the retry/frequency connect policy.
// Retry defaults to "retry forever" when nil; Frequency defaults to 0 (no
// sleep between cluster passes) when nil.
type PolicyObject struct {
	Nodes     interface{}
	Retry     *int
	Frequency *time.Duration
}

func (p PolicyObject) effectiveRetry(override *int) int {
	switch {
	case override != nil:
		return maxInt(0, *override)
	case p.Retry != nil:
		return maxInt(0, *p.Retry)
	default:
		return int(^uint(0) >> 1) // MaxInt: "retry forever"
	}
}

func (p PolicyObject) effectiveFrequency(override *time.Duration) time.Duration {
	switch {
	case override != nil:
		return maxDuration(0, *override)
	case p.Frequency != nil:
		return maxDuration(0, *p.Frequency)
	default:
		return 0
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

// ExchangeType is the AMQP exchange kind.
type ExchangeType string

const (
	ExchangeDirect  ExchangeType = "direct"
	ExchangeFanout  ExchangeType = "fanout"
	ExchangeTopic   ExchangeType = "topic"
	ExchangeHeaders ExchangeType = "headers"
)

// ExchangeSpec declares one exchange and, optionally, the bindings implied
// by its Fanout/Topics/Direct shorthand fields. At most one of those three
// should be set; Type, if given explicitly, always wins.
type ExchangeSpec struct {
	Name              string
	Type              ExchangeType
	Durable           *bool
	Internal          bool
	AutoDelete        bool
	AlternateExchange string
	Arguments         map[string]interface{}

	// Fanout declares bindings to each named queue with an empty routing
	// key and implies Type fanout (see resolveType for precedence).
	Fanout []string

	// Topics maps a routing key to one or more queue names and implies
	// Type topic (see resolveType for precedence).
	Topics map[string][]string

	// Direct maps a routing key to one or more queue names and implies
	// Type direct (see resolveType for precedence).
	Direct map[string][]string
}

func (s ExchangeSpec) durable() bool {
	if s.Durable == nil {
		return true
	}
	return *s.Durable
}

// resolveType implements the precedence of spec.md §4.6: explicit Type,
// else topic implied by Topics, else fanout implied by Fanout, else direct
// implied by Direct, else topic as the final default.
func (s ExchangeSpec) resolveType() ExchangeType {
	switch {
	case s.Type != "":
		return s.Type
	case s.Topics != nil:
		return ExchangeTopic
	case s.Fanout != nil:
		return ExchangeFanout
	case s.Direct != nil:
		return ExchangeDirect
	default:
		return ExchangeTopic
	}
}

func (s ExchangeSpec) amqpArgs() amqp.Table {
	args := amqp.Table{}
	for k, v := range s.Arguments {
		args[k] = v
	}
	if s.AlternateExchange != "" {
		args["alternate-exchange"] = s.AlternateExchange
	}
	if len(args) == 0 {
		return nil
	}
	return args
}

// QueueSpec declares one queue. An empty Name is replaced by the queue's
// registry key; the server assigns a name only when that key is empty too.
type QueueSpec struct {
	Name                 string
	Exclusive            bool
	Durable              *bool
	AutoDelete           bool
	MessageTTL           *time.Duration
	Expires              *time.Duration
	DeadLetterExchange   string
	DeadLetterRoutingKey string
	MaxLength            *int
	Arguments            map[string]interface{}
}

func (s QueueSpec) durable() bool {
	if s.Durable == nil {
		return true
	}
	return *s.Durable
}

// hasDeadLetter drives the ack-vs-nack requeue policy of spec.md §4.6: a
// queue with a DLX dead-letters on failure instead of requeueing.
func (s QueueSpec) hasDeadLetter() bool {
	return s.DeadLetterExchange != ""
}

func (s QueueSpec) amqpArgs() amqp.Table {
	args := amqp.Table{}
	for k, v := range s.Arguments {
		args[k] = v
	}
	if s.MessageTTL != nil {
		args["x-message-ttl"] = int64(s.MessageTTL.Milliseconds())
	}
	if s.Expires != nil {
		args["x-expires"] = int64(s.Expires.Milliseconds())
	}
	if s.DeadLetterExchange != "" {
		args["x-dead-letter-exchange"] = s.DeadLetterExchange
	}
	if s.DeadLetterRoutingKey != "" {
		args["x-dead-letter-routing-key"] = s.DeadLetterRoutingKey
	}
	if s.MaxLength != nil {
		args["x-max-length"] = *s.MaxLength
	}
	if len(args) == 0 {
		return nil
	}
	return args
}
