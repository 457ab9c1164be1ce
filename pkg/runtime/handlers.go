package runtime

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tcmartin/runstream/pkg/models"
)

// newHandler resolves a node kind to its handler and validates the static parts of its config
func newHandler(kind string, config map[string]interface{}) (NodeHandler, error) {
	switch kind {
	case models.KindHTTP:
		return newHTTPNode(config)
	case models.KindLLM:
		return newLLMNode(config)
	case models.KindEmail:
		return &emailNode{config: config}, nil
	case models.KindSlack, models.KindWebhook:
		return newWebhookNode(kind, config)
	case models.KindIf:
		return newIfNode(config)
	case models.KindSwitch:
		return newSwitchNode(config)
	case models.KindSplit, models.KindLoop, models.KindParallel:
		return newSplitNode(kind, config)
	case models.KindExecuteWorkflow:
		return newSubworkflowNode(config)
	case models.KindCode:
		return newCodeNode(config)
	case "":
		return nil, fmt.Errorf("missing kind")
	default:
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
}

func stringValue(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprint(s)
	}
}

func intValue(v interface{}, def int) (int, error) {
	switch n := v.(type) {
	case nil:
		return def, nil
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, fmt.Errorf("%v is not an integer", n)
		}
		return int(n), nil
	case string:
		if strings.TrimSpace(n) == "" {
			return def, nil
		}
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, fmt.Errorf("%q is not an integer", n)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("%v is not an integer", v)
	}
}

// truthy reports whether an evaluated condition selects the true branch
func truthy(v interface{}) bool {
	switch b := v.(type) {
	case nil:
		return false
	case bool:
		return b
	case string:
		s := strings.TrimSpace(strings.ToLower(b))
		return s != "" && s != "false" && s != "0"
	case int:
		return b != 0
	case int64:
		return b != 0
	case float64:
		return b != 0
	case []interface{}:
		return len(b) > 0
	case map[string]interface{}:
		return len(b) > 0
	default:
		return true
	}
}

// stringList accepts a list or a comma separated string
func stringList(v interface{}) []string {
	var out []string
	switch list := v.(type) {
	case string:
		for _, part := range strings.Split(list, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	case []interface{}:
		for _, item := range list {
			if s := strings.TrimSpace(stringValue(item)); s != "" {
				out = append(out, s)
			}
		}
	case []string:
		out = append(out, list...)
	}
	return out
}

func stringMap(v interface{}) map[string]string {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		out[k] = stringValue(val)
	}
	return out
}
