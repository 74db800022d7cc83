package kdd

// Label is the binary outcome of a prediction.
type Label string

const (
	LabelNormal  Label = "normal"
	LabelAnomaly Label = "anomaly"
)

// Display returns the label as shown by the HTTP API.
func (l Label) Display() string {
	if l == LabelAnomaly {
		return "Anomalie"
	}
	return "Normal"
}

// IsAnomaly reports whether l is the anomaly label.
func (l Label) IsAnomaly() bool {
	return l == LabelAnomaly
}
