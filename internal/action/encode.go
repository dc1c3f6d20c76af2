package action

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/sjson"
)

// Encode writes a in the canonical wire form read by Normalize: the
// variant's fields plus its "action" tag.
func Encode(a Action) ([]byte, error) {
	switch v := a.(type) {
	case nil:
		return nil, fmt.Errorf("encode: nil action")
	case Unknown:
		if len(v.Raw) > 0 {
			return v.Raw, nil
		}
		return sjson.SetBytes([]byte("{}"), "action", v.Tag)
	case ScheduleTask:
		body, err := tagged(v)
		if err != nil {
			return nil, err
		}
		switch {
		case v.TriggerAt.IsZero():
		case v.Floating:
			if body, err = sjson.SetBytes(body, "triggerAt", v.TriggerAt.Format(floatingLayouts[0])); err != nil {
				return nil, err
			}
		default:
			if body, err = sjson.SetBytes(body, "triggerAt", v.TriggerAt.UnixMilli()); err != nil {
				return nil, err
			}
		}
		if v.Scheduled != nil {
			inner, err := Encode(v.Scheduled)
			if err != nil {
				return nil, fmt.Errorf("encode scheduled action: %w", err)
			}
			if body, err = sjson.SetRawBytes(body, "scheduledAction", inner); err != nil {
				return nil, err
			}
		}
		return body, nil
	default:
		return tagged(a)
	}
}

func tagged(a Action) ([]byte, error) {
	body, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", a.Kind(), err)
	}
	return sjson.SetBytes(body, "action", a.Kind())
}
