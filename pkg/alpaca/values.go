package alpaca

// Helpers to read values decoded from JSON responses, where every number is a float64.

func Float(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	}
	return 0, false
}

func Int(v any) (int, bool) {
	f, ok := Float(v)
	return int(f), ok
}

func Bool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}
