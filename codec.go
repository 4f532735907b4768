package brocker

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	goccyjson "github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"
)

const contentTypeJSON = "application/json"

// PublishOptions carries the per-message overrides accepted by
// Exchange.Pub/Queue.Send. Any field left at its zero value is defaulted by
// Encode; an explicit value always wins over the default.
type PublishOptions struct {
	MessageID       string
	Timestamp       int64 // ms since epoch; 0 means "let Encode default it"
	AppID           string
	ContentType     string
	ContentEncoding string
	CorrelationID   string
	ReplyTo         string
	Type            string
	Headers         amqp.Table
	Persistent      bool
}

// InboundProperties mirrors the subset of amqp.Delivery properties the
// codec and subscriber care about.
type InboundProperties struct {
	Headers         amqp.Table
	ContentType     string
	ContentEncoding string
	CorrelationID   string
	ReplyTo         string
	MessageID       string
	Timestamp       time.Time
	Type            string
	AppID           string
}

// InboundMessage is the decoded view of one delivery handed to subscriber
// handlers.
type InboundMessage struct {
	Body       []byte
	Content    interface{}
	Properties InboundProperties
}

// Encode implements the codec's outbound half (spec.md §4.2): an
// already-encoded byte payload passes through untouched; anything else is
// serialized to cycle-safe JSON. Missing messageId/timestamp/appId are
// always defaulted; contentType is defaulted to application/json only when
// we are the ones doing the encoding and the caller didn't ask for a
// different content type.
func Encode(payload interface{}, opts PublishOptions) ([]byte, PublishOptions, error) {
	out := opts

	var body []byte
	if raw, ok := payload.([]byte); ok {
		body = raw
	} else {
		encoded, err := marshalCycleSafe(payload)
		if err != nil {
			return nil, out, err
		}
		body = encoded
		if out.ContentType == "" {
			out.ContentType = contentTypeJSON
		}
	}

	if out.MessageID == "" {
		out.MessageID = newMessageID()
	}
	if out.Timestamp == 0 {
		out.Timestamp = nowMillis()
	}
	if out.AppID == "" {
		out.AppID = processAppID()
	}

	return body, out, nil
}

// Decode implements the codec's inbound half: a delivery whose contentType
// is application/json is parsed into a structured value; anything else
// exposes the raw buffer as Content.
func Decode(raw []byte, props InboundProperties) (InboundMessage, error) {
	msg := InboundMessage{Body: raw, Properties: props}

	if props.ContentType == contentTypeJSON {
		var v interface{}
		if len(raw) > 0 {
			if err := goccyjson.Unmarshal(raw, &v); err != nil {
				return msg, err
			}
		}
		msg.Content = v
		return msg, nil
	}

	msg.Content = raw
	return msg, nil
}

// marshalCycleSafe serializes v to JSON via goccy/go-json after walking it
// with reflect to replace any back-reference to an ancestor with the
// literal string "[Circular]" - goccy/go-json, like encoding/json, would
// otherwise recurse forever (or until the stack blows) on a cyclic graph.
func marshalCycleSafe(v interface{}) ([]byte, error) {
	sanitized := sanitize(reflect.ValueOf(v), map[uintptr]bool{})
	return goccyjson.Marshal(sanitized)
}

func sanitize(v reflect.Value, ancestors map[uintptr]bool) interface{} {
	if !v.IsValid() {
		return nil
	}

	switch v.Kind() {
	case reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return sanitize(v.Elem(), ancestors)

	case reflect.Ptr:
		if v.IsNil() {
			return nil
		}
		ptr := v.Pointer()
		if ancestors[ptr] {
			return "[Circular]"
		}
		return sanitize(v.Elem(), withAncestor(ancestors, ptr))

	case reflect.Map:
		if v.IsNil() {
			return nil
		}
		ptr := v.Pointer()
		if ancestors[ptr] {
			return "[Circular]"
		}
		next := withAncestor(ancestors, ptr)
		out := make(map[string]interface{}, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out[fmt.Sprint(iter.Key().Interface())] = sanitize(iter.Value(), next)
		}
		return out

	case reflect.Slice:
		if v.IsNil() {
			return nil
		}
		ptr := v.Pointer()
		if ancestors[ptr] {
			return "[Circular]"
		}
		next := withAncestor(ancestors, ptr)
		out := make([]interface{}, v.Len())
		for i := 0; i < v.Len(); i++ {
			out[i] = sanitize(v.Index(i), next)
		}
		return out

	case reflect.Array:
		out := make([]interface{}, v.Len())
		for i := 0; i < v.Len(); i++ {
			out[i] = sanitize(v.Index(i), ancestors)
		}
		return out

	case reflect.Struct:
		t := v.Type()
		out := make(map[string]interface{}, t.NumField())
		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			if field.PkgPath != "" {
				continue // unexported
			}
			name, skip := jsonFieldName(field)
			if skip {
				continue
			}
			out[name] = sanitize(v.Field(i), ancestors)
		}
		return out

	default:
		if v.CanInterface() {
			return v.Interface()
		}
		return nil
	}
}

func withAncestor(ancestors map[uintptr]bool, ptr uintptr) map[uintptr]bool {
	next := make(map[uintptr]bool, len(ancestors)+1)
	for k := range ancestors {
		next[k] = true
	}
	next[ptr] = true
	return next
}

// buildPublishing maps an encoded body plus its resolved PublishOptions
// onto the wire-level amqp.Publishing the driver expects.
func buildPublishing(body []byte, o PublishOptions) amqp.Publishing {
	pub := amqp.Publishing{
		Body:            body,
		MessageId:       o.MessageID,
		AppId:           o.AppID,
		ContentType:     o.ContentType,
		ContentEncoding: o.ContentEncoding,
		CorrelationId:   o.CorrelationID,
		ReplyTo:         o.ReplyTo,
		Type:            o.Type,
		Headers:         o.Headers,
	}
	if o.Timestamp != 0 {
		pub.Timestamp = time.UnixMilli(o.Timestamp)
	}
	if o.Persistent {
		pub.DeliveryMode = amqp.Persistent
	}
	return pub
}

// propertiesFromDelivery maps an inbound amqp.Delivery's properties onto
// the codec's InboundProperties.
func propertiesFromDelivery(d amqp.Delivery) InboundProperties {
	return InboundProperties{
		Headers:         d.Headers,
		ContentType:     d.ContentType,
		ContentEncoding: d.ContentEncoding,
		CorrelationID:   d.CorrelationId,
		ReplyTo:         d.ReplyTo,
		MessageID:       d.MessageId,
		Timestamp:       d.Timestamp,
		Type:            d.Type,
		AppID:           d.AppId,
	}
}

func jsonFieldName(f reflect.StructField) (name string, skip bool) {
	tag := f.Tag.Get("json")
	if tag == "" {
		return f.Name, false
	}
	parts := strings.Split(tag, ",")
	if parts[0] == "-" && len(parts) == 1 {
		return "", true
	}
	if parts[0] == "" {
		return f.Name, false
	}
	return parts[0], false
}
