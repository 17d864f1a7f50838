package awq

// GroupSummary is the printable form of a ScalingGroup, with modules replaced
// by their names.
type GroupSummary struct {
	Prev        string   `json:"prev" yaml:"prev"`
	Layers      []string `json:"layers" yaml:"layers"`
	InputKey    string   `json:"input_key" yaml:"input_key"`
	InputShape  []int    `json:"input_shape,omitempty" yaml:"input_shape,omitempty"`
	Inspect     string   `json:"inspect,omitempty" yaml:"inspect,omitempty"`
	ForwardArgs bool     `json:"forward_args" yaml:"forward_args"`
}

// ActSummary is the printable form of ActScaling.
type ActSummary struct {
	Scalable   bool   `json:"scalable" yaml:"scalable"`
	ScaleName  string `json:"scale_name,omitempty" yaml:"scale_name,omitempty"`
	ScaleLayer string `json:"scale_layer,omitempty" yaml:"scale_layer,omitempty"`
	ScaleShape int    `json:"scale_shape,omitempty" yaml:"scale_shape,omitempty"`
}

// LayerPlan is the plan of one layer.
type LayerPlan struct {
	Layer  int            `json:"layer" yaml:"layer"`
	Name   string         `json:"name" yaml:"name"`
	Groups []GroupSummary `json:"groups" yaml:"groups"`
	Act    ActSummary     `json:"act" yaml:"act"`
}

func SummarizeAct(a ActScaling) ActSummary {
	s := ActSummary{Scalable: a.Scalable, ScaleName: a.ScaleName, ScaleShape: a.ScaleShape}
	if a.ScaleLayer != nil {
		s.ScaleLayer = a.ScaleLayer.Name()
	}
	return s
}

func Summarize(groups []ScalingGroup) []GroupSummary {
	out := make([]GroupSummary, 0, len(groups))
	for _, g := range groups {
		s := GroupSummary{
			InputKey:    g.InputKey,
			ForwardArgs: g.Kwargs != nil,
		}
		if g.Prev != nil {
			s.Prev = g.Prev.Name()
		}
		for _, l := range g.Layers {
			s.Layers = append(s.Layers, l.Name())
		}
		if g.Input != nil {
			s.InputShape = g.Input.Shape()
		}
		if g.Inspect != nil {
			s.Inspect = g.Inspect.Name()
		}
		out = append(out, s)
	}
	return out
}
