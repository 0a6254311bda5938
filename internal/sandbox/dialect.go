package sandbox

import "strings"

// outboundRewrite is the fixed translation table applied when talking
// directly to a sandbox peer (DialectDirect): our canonical message "type"
// is rewritten into the compact {command, data} shape the direct peer
// expects (spec §4.4). Commands not present in the table pass through with
// their params moved into "data" verbatim.
var outboundRewrite = map[string]string{
	"leftClick":   "click",
	"rightClick":  "click",
	"doubleClick": "click",
	"mouseMove":   "move",
	"typeText":    "type",
	"pressKeys":   "press",
}

// adaptOutbound rewrites a canonical outbound message (already carrying
// "type" and "requestId") into the direct peer's compact shape.
//
// pressKeys with exactly one key becomes "press" with a "key" field; with
// any other number of keys it becomes "hotkey" carrying the full "keys"
// list. There is no special mapping for drag: it passes through like any
// other command not in the table. Nothing here logs a warning.
func adaptOutbound(msg map[string]any) map[string]any {
	msgType, _ := msg["type"].(string)
	requestID, _ := msg["requestId"].(string)

	command := msgType
	if mapped, ok := outboundRewrite[msgType]; ok {
		command = mapped
	}

	data := map[string]any{}
	for k, v := range msg {
		if k == "type" || k == "requestId" {
			continue
		}
		data[k] = v
	}

	switch msgType {
	case "leftClick":
		data["button"] = "left"
	case "rightClick":
		data["button"] = "right"
		command = "click"
	case "doubleClick":
		data["clickCount"] = 2
	case "pressKeys":
		if keys, ok := data["keys"].([]string); ok {
			if len(keys) == 1 {
				command = "press"
				data["key"] = keys[0]
			} else {
				command = "hotkey"
				data["keys"] = keys
			}
			delete(data, "keys")
			if len(keys) != 1 {
				data["keys"] = keys
			}
		}
	case "scroll":
		if dir, ok := data["direction"].(string); ok {
			amount, _ := data["amount"].(int)
			switch strings.ToLower(dir) {
			case "up", "left":
				data["amount"] = -amount
			}
			delete(data, "direction")
		}
	}

	return map[string]any{"command": command, "data": data, "requestId": requestID}
}

// adaptInbound reverses the broker's wrapping: when the peer payload is
// nested under "originalData" the transport lifts originalData.requestId to
// the top level and renames the command-specific result field ("result")
// into the canonical out/base64/success slot keyed by the original command,
// per spec §4.4.
func adaptInbound(msg map[string]any) map[string]any {
	original, ok := msg["originalData"].(map[string]any)
	if !ok {
		return msg
	}
	out := map[string]any{}
	for k, v := range msg {
		if k == "originalData" {
			continue
		}
		out[k] = v
	}
	if reqID, ok := original["requestId"]; ok {
		out["requestId"] = reqID
	}
	command, _ := original["command"].(string)
	if result, ok := msg["result"]; ok {
		switch resultSlot(command) {
		case "out":
			out["out"] = result
		case "base64":
			out["base64"] = result
		default:
			out["success"] = result
		}
	}
	return out
}

// resultSlot picks which canonical field a command's "result" should be
// renamed to on the way back through the broker.
func resultSlot(command string) string {
	switch command {
	case "exec", "shell":
		return "out"
	case "screenshot", "match-image":
		return "base64"
	default:
		return "success"
	}
}
