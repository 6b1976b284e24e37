package mapping

// Definition describes one connector as written in the routes file.
type Definition struct {
	Name string `yaml:"name"`
	// Kind selects the factory that builds the connector. Empty means "mapping".
	Kind    string `yaml:"kind"`
	Summary string `yaml:"summary"`

	// Route and InboundMethod describe the incoming side.
	Route         string   `yaml:"route"`
	InboundMethod string   `yaml:"inbound_method"`
	Scopes        []string `yaml:"scopes"`

	// Method, URI and Headers describe the outgoing call. Header values and the
	// URI are expanded against the environment.
	Method  string            `yaml:"method"`
	URI     string            `yaml:"uri"`
	Headers map[string]string `yaml:"headers"`

	Fields []Field        `yaml:"fields"`
	Flags  FlagRules      `yaml:"flags"`
	Policy string         `yaml:"policy"`
	Config map[string]any `yaml:"config"`
}

// Field produces one key of the outgoing payload.
type Field struct {
	To string `yaml:"to"`
	// From is a JMESPath expression evaluated against the incoming payload.
	From string `yaml:"from"`
	// Value is a constant used instead of From.
	Value any `yaml:"value"`
	// Transform post-processes the value: count, sum, exists, first,
	// to_number, to_string, lower, upper or trim.
	Transform string `yaml:"transform"`
	// When names a flag; the field is emitted only if the flag is truthy.
	When     string `yaml:"when"`
	Required bool   `yaml:"required"`
}

// FlagRules maps flag names to JMESPath expressions.
type FlagRules struct {
	Incoming map[string]string `yaml:"incoming"`
	Outgoing map[string]string `yaml:"outgoing"`
}
