package stepconf

// InputParser parses env-tagged input structs from an environment source.
// It exists so commands can parse against an injected env.Repository instead
// of the process environment.
type InputParser interface {
	Parse(input interface{}) error
}

type defaultInputParser struct {
	envGetter EnvGetter
}

// NewInputParser creates an InputParser reading from the given source.
func NewInputParser(envGetter EnvGetter) InputParser {
	return defaultInputParser{
		envGetter: envGetter,
	}
}

// Parse populates the input struct per its `env` tags.
func (p defaultInputParser) Parse(input interface{}) error {
	if err := parse(input, p.envGetter); err != nil {
		return err
	}
	return nil
}
