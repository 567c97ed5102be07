package models

import (
	"encoding/json"
	"fmt"
	"math"
)

// InputData 是任务的输入参数树，叶子只能是字符串或数字，中间节点只能是对象。
type InputData map[string]interface{}

// ValidateInputData 递归校验输入树，拒绝布尔值、数组和 null。
func ValidateInputData(data map[string]interface{}) error {
	return validateNode("inputData", data)
}

func validateNode(path string, node map[string]interface{}) error {
	for k, v := range node {
		p := path + "." + k
		if err := validateValue(p, v); err != nil {
			return err
		}
	}
	return nil
}

func validateValue(path string, v interface{}) error {
	switch val := v.(type) {
	case string, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return nil
	case float32:
		return checkFinite(path, float64(val))
	case float64:
		return checkFinite(path, val)
	case json.Number:
		if _, err := val.Float64(); err != nil {
			return fmt.Errorf("%s: invalid number %q", path, val.String())
		}
		return nil
	case map[string]interface{}:
		return validateNode(path, val)
	case InputData:
		return validateNode(path, val)
	case nil:
		return fmt.Errorf("%s: null is not allowed", path)
	case bool:
		return fmt.Errorf("%s: booleans are not allowed", path)
	case []interface{}:
		return fmt.Errorf("%s: arrays are not allowed", path)
	default:
		return fmt.Errorf("%s: unsupported value of type %T", path, v)
	}
}

func checkFinite(path string, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("%s: number must be finite", path)
	}
	return nil
}
