package pipeline

// Update carries the fields a stage sets. Nil fields are left untouched.
type Update struct {
	ParsedContent       *[]ParsedDocument
	RequirementAnalysis *RequirementAnalysis
	FunctionPoints      *[]FunctionPoint
	TestCases           *[]TestCase
	TestScripts         *[]TestScript
	MindMap             *MindMap
	CurrentStage        *Node
}

// StageResult is the only output a stage may produce.
type StageResult struct {
	Update Update
	Errors []string
}

// Fields names the state fields u sets, for logging and events.
func (u Update) Fields() []string {
	var out []string
	if u.ParsedContent != nil {
		out = append(out, "parsed_content")
	}
	if u.RequirementAnalysis != nil {
		out = append(out, "requirement_analysis")
	}
	if u.FunctionPoints != nil {
		out = append(out, "function_points")
	}
	if u.TestCases != nil {
		out = append(out, "test_cases")
	}
	if u.TestScripts != nil {
		out = append(out, "test_scripts")
	}
	if u.MindMap != nil {
		out = append(out, "mind_map")
	}
	if u.CurrentStage != nil {
		out = append(out, "current_stage")
	}
	return out
}

// Apply merges r into s: set fields replace the state's value wholesale and
// errors are appended.
func (s *State) Apply(r StageResult) {
	u := r.Update
	if u.ParsedContent != nil {
		s.ParsedContent = nonNil(*u.ParsedContent)
	}
	if u.RequirementAnalysis != nil {
		s.RequirementAnalysis = u.RequirementAnalysis
	}
	if u.FunctionPoints != nil {
		s.FunctionPoints = nonNil(*u.FunctionPoints)
	}
	if u.TestCases != nil {
		s.TestCases = nonNil(*u.TestCases)
	}
	if u.TestScripts != nil {
		s.TestScripts = nonNil(*u.TestScripts)
	}
	if u.MindMap != nil {
		s.MindMap = u.MindMap
	}
	if u.CurrentStage != nil {
		s.CurrentStage = *u.CurrentStage
	}
	s.Errors = append(s.Errors, r.Errors...)
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}

// Set returns a pointer to v for building an Update.
func Set[T any](v T) *T {
	return &v
}
