package pageconfig

import "fmt"

// Reserved field names of a declarative page config.
const (
	FieldRoute   = "route"
	FieldIgnore  = "ignore"
	FieldNoWatch = "no_watch"
	FieldMount   = "mount"
)

// Declaration is a decoded page config split into the fields the parser
// interprets itself and the remaining key values.
type Declaration struct {
	Routes  []string
	Ignore  []string
	NoWatch []string
	// Mount is nil when the file does not mention it.
	Mount *bool
	// Values holds every non-reserved field. Only keys flagged IsConfig
	// are applied from it.
	Values map[string]any
}

// Interpret splits raw into a Declaration. route may be a string or a list of
// strings.
func Interpret(raw map[string]any) (*Declaration, error) {
	d := &Declaration{Values: make(map[string]any)}

	for field, v := range raw {
		var err error
		switch field {
		case FieldRoute:
			d.Routes, err = StringList(v)
		case FieldIgnore:
			d.Ignore, err = StringList(v)
		case FieldNoWatch:
			d.NoWatch, err = StringList(v)
		case FieldMount:
			b, ok := v.(bool)
			if !ok {
				err = fmt.Errorf("expected a boolean, got %T", v)
			}
			d.Mount = &b
		default:
			d.Values[field] = v
		}
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", field, err)
		}
	}
	return d, nil
}

// StringList accepts a string or a list of strings.
func StringList(v any) ([]string, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{t}, nil
	case []string:
		return append([]string(nil), t...), nil
	case []any:
		out := make([]string, 0, len(t))
		for i, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("item %d: expected a string, got %T", i, item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a string or a list of strings, got %T", v)
	}
}
