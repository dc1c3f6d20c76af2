package action

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Normalize turns one raw command into an Action. It never fails: input
// that is not a recognizable command becomes Chat carrying its text, and
// an unrecognized tag becomes Unknown.
func Normalize(raw []byte) Action {
	text := strings.TrimSpace(string(raw))
	js := ExtractJSON(text)
	if js == "" {
		return Chat{Message: text}
	}
	r := gjson.Parse(js)
	if r.IsArray() {
		items := r.Array()
		if len(items) == 0 {
			return Chat{Message: text}
		}
		r = items[0]
	}
	return fromResult(r, text)
}

// NormalizeValue normalizes an already-decoded command, such as a map
// produced by a JSON or YAML decoder.
func NormalizeValue(v any) Action {
	switch x := v.(type) {
	case Action:
		return x
	case string:
		return Normalize([]byte(x))
	case []byte:
		return Normalize(x)
	case json.RawMessage:
		return Normalize(x)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return Chat{Message: fmt.Sprint(v)}
	}
	return Normalize(raw)
}

// NormalizeList reads a model response: an object with an "actions" array,
// a bare array, or a single command.
func NormalizeList(raw []byte) []Action {
	text := strings.TrimSpace(string(raw))
	js := ExtractJSON(text)
	if js == "" {
		return []Action{Chat{Message: text}}
	}
	r := gjson.Parse(js)
	if r.IsObject() {
		if list := r.Get("actions"); list.IsArray() {
			r = list
		}
	}
	if !r.IsArray() {
		return []Action{fromResult(r, text)}
	}
	items := r.Array()
	out := make([]Action, 0, len(items))
	for _, item := range items {
		out = append(out, fromResult(item, item.Raw))
	}
	return out
}

// ExtractJSON finds the JSON document in model output, tolerating code
// fences and surrounding prose. It returns "" when there is none.
func ExtractJSON(text string) string {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if nl := strings.IndexByte(s, '\n'); nl >= 0 && !strings.ContainsAny(s[:nl], "{[") {
			s = s[nl+1:]
		}
		if end := strings.LastIndex(s, "```"); end >= 0 {
			s = s[:end]
		}
		s = strings.TrimSpace(s)
	}
	if s == "" {
		return ""
	}
	if (s[0] == '{' || s[0] == '[') && gjson.Valid(s) {
		return s
	}
	for _, pair := range [][2]byte{{'{', '}'}, {'[', ']'}} {
		start := strings.IndexByte(s, pair[0])
		end := strings.LastIndexByte(s, pair[1])
		if start >= 0 && end > start && gjson.Valid(s[start:end+1]) {
			return s[start : end+1]
		}
	}
	return ""
}

func fromResult(r gjson.Result, raw string) Action {
	if !r.IsObject() {
		if r.Type == gjson.String {
			return Chat{Message: strings.TrimSpace(r.String())}
		}
		return Chat{Message: strings.TrimSpace(raw)}
	}

	tag := r.Get("action")
	if tag.Exists() && (tag.Type != gjson.String || strings.TrimSpace(tag.String()) == "") {
		return Unknown{Tag: strings.TrimSpace(tag.Raw), Raw: json.RawMessage(r.Raw)}
	}
	if !tag.Exists() {
		if msg := first(r, "message", "text", "content", "reply", "response"); msg != "" {
			return Chat{Message: msg}
		}
		return Chat{Message: strings.TrimSpace(raw)}
	}

	switch kind := strings.ToLower(strings.TrimSpace(tag.String())); kind {
	case KindCreateIdea:
		return CreateIdea{Content: first(r, "content", "text", "idea"), Tags: stringList(r.Get("tags"))}
	case KindCreatePoll:
		return CreatePoll{
			Title:       first(r, "title", "question"),
			Description: first(r, "description"),
			Type:        pollType(first(r, "type", "pollType", "poll_type")),
			Options:     pollOptions(r.Get("options")),
			AccessCode:  first(r, "accessCode", "access_code"),
		}
	case KindScheduleTask:
		return scheduleTask(r)
	case KindListTasks:
		return ListTasks{}
	case KindCancelTask:
		return CancelTask{TaskID: first(r, "taskId", "task_id", "id")}
	case KindReminder:
		return Reminder{Message: first(r, "message", "text", "content")}
	case KindNavigate:
		return Navigate{Path: first(r, "path", "url", "to")}
	case KindTriggerWorkflow:
		return TriggerExternalWorkflow{Event: first(r, "event", "workflow", "name"), Payload: objectValue(r.Get("payload"))}
	case KindAIAgent:
		return AIAgent{
			Prompt:       first(r, "prompt", "message", "text"),
			ContextScope: stringList(pick(r, "contextScope", "context_scope")),
			Depth:        int(r.Get("depth").Int()),
		}
	case KindChat:
		return Chat{Message: first(r, "message", "text", "content")}
	default:
		return Unknown{Tag: strings.TrimSpace(tag.String()), Raw: json.RawMessage(r.Raw)}
	}
}

// scheduleTask reconciles the legacy {taskAction, taskPayload} pair with
// scheduledAction, which wins when both are present.
func scheduleTask(r gjson.Result) Action {
	st := ScheduleTask{
		Title:      first(r, "title", "name"),
		Recurrence: first(r, "recurrence", "repeat"),
	}
	st.TriggerAt, st.Floating = parseInstant(pick(r, "triggerAt", "trigger_at", "time"))

	switch sa := pick(r, "scheduledAction", "scheduled_action"); {
	case sa.IsObject():
		st.Scheduled = fromResult(sa, sa.Raw)
	case sa.Type == gjson.String && strings.TrimSpace(sa.String()) != "":
		st.Scheduled = Normalize([]byte(sa.String()))
	default:
		if legacy := first(r, "taskAction", "task_action"); legacy != "" {
			st.Scheduled = legacyAction(legacy, pick(r, "taskPayload", "task_payload"))
		}
	}

	if st.Scheduled == nil {
		st.Scheduled = Reminder{Message: st.Title}
	}
	return st
}

func legacyAction(tag string, payload gjson.Result) Action {
	body := "{}"
	switch {
	case payload.IsObject():
		body = payload.Raw
	case payload.Type == gjson.String:
		if inner := ExtractJSON(payload.String()); inner != "" && gjson.Parse(inner).IsObject() {
			body = inner
		}
	}
	merged, err := sjson.Set(body, "action", tag)
	if err != nil {
		return Unknown{Tag: tag}
	}
	return fromResult(gjson.Parse(merged), merged)
}

// pick returns the first present key among aliases.
func pick(r gjson.Result, keys ...string) gjson.Result {
	for _, k := range keys {
		if v := r.Get(k); v.Exists() && v.Type != gjson.Null {
			return v
		}
	}
	return gjson.Result{}
}

// first returns the first non-empty scalar among aliases as text.
func first(r gjson.Result, keys ...string) string {
	for _, k := range keys {
		v := r.Get(k)
		switch v.Type {
		case gjson.String, gjson.Number, gjson.True, gjson.False:
			if s := strings.TrimSpace(v.String()); s != "" {
				return s
			}
		}
	}
	return ""
}

func stringList(v gjson.Result) []string {
	var raw []string
	switch {
	case v.IsArray():
		for _, item := range v.Array() {
			raw = append(raw, item.String())
		}
	case v.Type == gjson.String:
		raw = strings.Split(v.String(), ",")
	}
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimPrefix(strings.TrimSpace(s), "#")
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func pollOptions(v gjson.Result) []string {
	out := []string{}
	for _, item := range v.Array() {
		text := item.String()
		if item.IsObject() {
			text = first(item, "text", "label", "value")
		}
		if text = strings.TrimSpace(text); text != "" {
			out = append(out, text)
		}
	}
	return out
}

func pollType(s string) string {
	switch strings.ToLower(s) {
	case "multiple", "multiple_choice", "multi":
		return "multiple_choice"
	case "open", "open_text", "text":
		return "open_text"
	default:
		return "single_choice"
	}
}

func objectValue(v gjson.Result) map[string]any {
	if m, ok := v.Value().(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// parseInstant accepts epoch milliseconds (number or numeric string), RFC
// 3339, and offset-less local timestamps. The last are reported as floating:
// their clock fields are held in UTC until a zone is applied.
func parseInstant(v gjson.Result) (t time.Time, floating bool) {
	switch v.Type {
	case gjson.Number:
		return time.UnixMilli(v.Int()).UTC(), false
	case gjson.String:
		s := strings.TrimSpace(v.String())
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC(), false
		}
		if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return parsed.UTC(), false
		}
		for _, layout := range floatingLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

var floatingLayouts = []string{"2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02 15:04"}

// InZone reads the clock fields of a floating instant as wall time in loc.
func InZone(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), loc)
}
