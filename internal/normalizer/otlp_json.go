package normalizer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"

	"spanflow/internal/models"
)

// exportRequest mirrors the OTLP/JSON ExportTraceServiceRequest. Spans are
// kept raw so each one can fail on its own.
type exportRequest struct {
	ResourceSpans []resourceSpans `json:"resourceSpans"`
}

type resourceSpans struct {
	Resource struct {
		Attributes json.RawMessage `json:"attributes"`
	} `json:"resource"`
	ScopeSpans []scopeSpans `json:"scopeSpans"`
}

type scopeSpans struct {
	Spans []json.RawMessage `json:"spans"`
}

type rawSpan struct {
	TraceID           string            `json:"traceId"`
	SpanID            string            `json:"spanId"`
	ParentSpanID      string            `json:"parentSpanId"`
	Name              string            `json:"name"`
	ServiceName       string            `json:"serviceName"`
	StartTimeUnixNano json.RawMessage   `json:"startTimeUnixNano"`
	EndTimeUnixNano   json.RawMessage   `json:"endTimeUnixNano"`
	Status            *rawStatus        `json:"status"`
	Attributes        json.RawMessage   `json:"attributes"`
	Events            []json.RawMessage `json:"events"`
}

type rawStatus struct {
	Code    json.RawMessage `json:"code"`
	Message string          `json:"message"`
}

type keyValue struct {
	Key   string   `json:"key"`
	Value anyValue `json:"value"`
}

type anyValue struct {
	StringValue *string         `json:"stringValue"`
	IntValue    json.RawMessage `json:"intValue"`
	BoolValue   *bool           `json:"boolValue"`
	DoubleValue *float64        `json:"doubleValue"`
}

type rawEvent struct {
	Name string `json:"name"`
}

// NormalizeJSON decodes an OTLP/JSON trace export body. The returned error is
// non-nil only when the body as a whole is not a trace export.
func NormalizeJSON(body []byte) (Result, error) {
	var req exportRequest
	if err := sonic.ConfigStd.Unmarshal(body, &req); err != nil {
		return Result{}, fmt.Errorf("failed to decode trace export: %w", err)
	}

	var res Result
	index := 0
	for _, rs := range req.ResourceSpans {
		resourceService := resourceServiceName(rs.Resource.Attributes)
		for _, ss := range rs.ScopeSpans {
			for _, raw := range ss.Spans {
				normalizeRawSpan(&res, raw, resourceService, index)
				index++
			}
		}
	}
	res.Received = index

	return res, nil
}

func normalizeRawSpan(res *Result, raw json.RawMessage, resourceService string, index int) {
	var rs rawSpan
	if err := sonic.ConfigStd.Unmarshal(raw, &rs); err != nil {
		res.reject(index, "", "", "undecodable span: "+err.Error())
		return
	}
	if rs.TraceID == "" {
		res.reject(index, rs.TraceID, rs.SpanID, "empty traceId")
		return
	}
	if rs.SpanID == "" {
		res.reject(index, rs.TraceID, rs.SpanID, "empty spanId")
		return
	}

	start, err := parseNanos(rs.StartTimeUnixNano)
	if err != nil {
		res.reject(index, rs.TraceID, rs.SpanID, "startTimeUnixNano: "+err.Error())
		return
	}
	end, err := parseNanos(rs.EndTimeUnixNano)
	if err != nil {
		res.reject(index, rs.TraceID, rs.SpanID, "endTimeUnixNano: "+err.Error())
		return
	}

	attrs, err := parseAttributes(rs.Attributes)
	if err != nil {
		res.reject(index, rs.TraceID, rs.SpanID, "attributes: "+err.Error())
		return
	}

	events := make([]string, 0, len(rs.Events))
	for _, ev := range rs.Events {
		name, err := parseEvent(ev)
		if err != nil {
			res.reject(index, rs.TraceID, rs.SpanID, "events: "+err.Error())
			return
		}
		events = append(events, name)
	}

	status := models.StatusUnset
	var statusMessage string
	if rs.Status != nil {
		status, err = parseStatusCode(rs.Status.Code)
		if err != nil {
			res.reject(index, rs.TraceID, rs.SpanID, "status: "+err.Error())
			return
		}
		statusMessage = rs.Status.Message
	}

	res.accept(models.Span{
		TraceID:        rs.TraceID,
		SpanID:         rs.SpanID,
		ParentSpanID:   rs.ParentSpanID,
		Name:           rs.Name,
		ServiceName:    serviceName(resourceService, rs.ServiceName),
		StartTimeNanos: start,
		EndTimeNanos:   end,
		StatusCode:     status,
		StatusMessage:  statusMessage,
		Attributes:     attrs,
		Events:         events,
	}, index)
}

func serviceName(resourceService, spanLevel string) string {
	if resourceService != "" {
		return resourceService
	}
	if spanLevel != "" {
		return spanLevel
	}
	return UnknownService
}

// resourceServiceName reads service.name from resource attributes in either
// the key/value list or the flat object shape. Other resource attributes are
// ignored.
func resourceServiceName(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}

	switch raw[0] {
	case '[':
		var kvs []struct {
			Key   string          `json:"key"`
			Value json.RawMessage `json:"value"`
		}
		if err := sonic.ConfigStd.Unmarshal(raw, &kvs); err != nil {
			return ""
		}
		var value json.RawMessage
		for _, kv := range kvs {
			if kv.Key == ServiceNameKey {
				value = kv.Value
			}
		}
		if value == nil {
			return ""
		}
		var v anyValue
		if err := sonic.ConfigStd.Unmarshal(value, &v); err != nil {
			return ""
		}
		name, _ := v.asString()
		return name
	case '{':
		var flat map[string]json.RawMessage
		if err := sonic.ConfigStd.Unmarshal(raw, &flat); err != nil {
			return ""
		}
		name, _ := scalarString(flat[ServiceNameKey])
		return name
	}
	return ""
}

// parseNanos accepts a JSON integer or a string holding one, which is how
// OTLP/JSON encodes 64-bit fields.
func parseNanos(raw json.RawMessage) (int64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, fmt.Errorf("missing timestamp")
	}

	text := string(raw)
	if raw[0] == '"' {
		var s string
		if err := sonic.ConfigStd.Unmarshal(raw, &s); err != nil {
			return 0, fmt.Errorf("invalid timestamp %s", text)
		}
		text = strings.TrimSpace(s)
	}

	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("non-numeric timestamp %s", string(raw))
	}
	if n < 0 {
		return 0, fmt.Errorf("negative timestamp %d", n)
	}
	return n, nil
}

func parseStatusCode(raw json.RawMessage) (models.StatusCode, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return models.StatusUnset, nil
	}
	if raw[0] == '"' {
		var s string
		if err := sonic.ConfigStd.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("invalid status code %s", string(raw))
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return models.StatusFromCode(n, true), nil
		}
		return models.StatusFromName(s), nil
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid status code %s", string(raw))
	}
	return models.StatusFromCode(n, true), nil
}

// parseAttributes accepts either the OTLP key/value list or a flat JSON object.
func parseAttributes(raw json.RawMessage) (map[string]string, error) {
	attrs := make(map[string]string)
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return attrs, nil
	}

	switch raw[0] {
	case '[':
		var kvs []keyValue
		if err := sonic.ConfigStd.Unmarshal(raw, &kvs); err != nil {
			return nil, fmt.Errorf("invalid key/value list: %w", err)
		}
		for _, kv := range kvs {
			if kv.Key == "" {
				return nil, fmt.Errorf("attribute with empty key")
			}
			v, err := kv.Value.asString()
			if err != nil {
				return nil, fmt.Errorf("attribute %q: %w", kv.Key, err)
			}
			attrs[kv.Key] = v
		}
	case '{':
		var flat map[string]json.RawMessage
		if err := sonic.ConfigStd.Unmarshal(raw, &flat); err != nil {
			return nil, fmt.Errorf("invalid attribute object: %w", err)
		}
		for k, v := range flat {
			s, err := scalarString(v)
			if err != nil {
				return nil, fmt.Errorf("attribute %q: %w", k, err)
			}
			attrs[k] = s
		}
	default:
		return nil, fmt.Errorf("unsupported attributes shape")
	}

	return attrs, nil
}

func (v anyValue) asString() (string, error) {
	switch {
	case v.StringValue != nil:
		return *v.StringValue, nil
	case len(v.IntValue) > 0:
		n, err := parseInt(v.IntValue)
		if err != nil {
			return "", err
		}
		return strconv.FormatInt(n, 10), nil
	case v.BoolValue != nil:
		return strconv.FormatBool(*v.BoolValue), nil
	case v.DoubleValue != nil:
		return formatFloat(*v.DoubleValue), nil
	}
	return "", fmt.Errorf("unsupported value variant")
}

func parseInt(raw json.RawMessage) (int64, error) {
	text := string(bytes.TrimSpace(raw))
	if strings.HasPrefix(text, `"`) {
		var s string
		if err := sonic.ConfigStd.Unmarshal(raw, &s); err != nil {
			return 0, err
		}
		text = s
	}
	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid intValue %s", string(raw))
	}
	return n, nil
}

// scalarString converts a JSON string, number or bool into its string form.
func scalarString(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", fmt.Errorf("empty value")
	}
	switch raw[0] {
	case '"':
		var s string
		if err := sonic.ConfigStd.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	case 't', 'f':
		var b bool
		if err := sonic.ConfigStd.Unmarshal(raw, &b); err != nil {
			return "", err
		}
		return strconv.FormatBool(b), nil
	case '{', '[', 'n':
		return "", fmt.Errorf("unsupported value %s", string(raw))
	}
	var num json.Number
	if err := sonic.ConfigStd.Unmarshal(raw, &num); err != nil {
		return "", fmt.Errorf("unsupported value %s", string(raw))
	}
	return num.String(), nil
}

func parseEvent(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", fmt.Errorf("empty event")
	}
	switch raw[0] {
	case '"':
		var s string
		if err := sonic.ConfigStd.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	case '{':
		var ev rawEvent
		if err := sonic.ConfigStd.Unmarshal(raw, &ev); err != nil {
			return "", err
		}
		return ev.Name, nil
	}
	return "", fmt.Errorf("unsupported event %s", string(raw))
}
