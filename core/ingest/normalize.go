package ingest

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Phase numbers with family-specific normalization twists.
const (
	phaseContamination = 30
)

type alertBody struct {
	Level      string  `json:"level"`
	Sensor     string  `json:"sensor"`
	Metric     string  `json:"metric"`
	Reading    float64 `json:"reading"`
	Unit       string  `json:"unit"`
	Threshold  float64 `json:"threshold"`
	Room       string  `json:"room"`
	Species    string  `json:"species"`
	Batch      string  `json:"batch"`
	Confidence float64 `json:"confidence"`
	TTLSeconds int64   `json:"ttl_seconds"`
}

func normalizeAlert(phase Phase, body []byte, out *NormalizedRecord) error {
	var a alertBody
	if err := json.Unmarshal(body, &a); err != nil {
		return fmt.Errorf("%w: %v", ErrBadBody, err)
	}
	switch a.Level {
	case "critical":
		out.Severity = SeverityCritical
	case "warning":
		// Contamination warnings are never routine.
		if phase.Number == phaseContamination {
			out.Severity = SeverityHigh
		} else {
			out.Severity = SeverityMedium
		}
	case "info":
		out.Severity = SeverityInfo
	default:
		return fmt.Errorf("%w: level %q", ErrBadEnum, a.Level)
	}

	if phase.Number == phaseContamination {
		out.Metric = a.Confidence
		out.Unit = "confidence"
	} else {
		out.Metric = a.Reading
		out.Unit = a.Unit
	}
	if out.Title == "" {
		switch {
		case a.Species != "":
			out.Title = a.Species + " detected"
		case a.Metric != "":
			out.Title = a.Metric + " alert"
		default:
			out.Title = "alert"
		}
	}
	if a.TTLSeconds > 0 {
		out.Expiry = out.OccurredAt.Add(time.Duration(a.TTLSeconds) * time.Second)
	}
	setLabel(out, "sensor", a.Sensor)
	setLabel(out, "metric", a.Metric)
	setLabel(out, "room", a.Room)
	setLabel(out, "species", a.Species)
	setLabel(out, "batch", a.Batch)
	if a.Threshold != 0 {
		setLabel(out, "threshold", formatFloat(a.Threshold))
	}
	return nil
}

type advisoryBody struct {
	Blocking       bool    `json:"blocking"`
	Protocol       string  `json:"protocol"`
	Step           string  `json:"step"`
	DeviationScore float64 `json:"deviation_score"`
	Recommendation string  `json:"recommendation"`
}

func normalizeAdvisory(body []byte, out *NormalizedRecord) error {
	var a advisoryBody
	if err := json.Unmarshal(body, &a); err != nil {
		return fmt.Errorf("%w: %v", ErrBadBody, err)
	}
	out.Severity = SeverityMedium
	if a.Blocking {
		out.Severity = SeverityHigh
	}
	out.Metric = a.DeviationScore
	out.Unit = "score"
	if out.Title == "" {
		if a.Protocol != "" {
			out.Title = a.Protocol + " deviation"
		} else {
			out.Title = "protocol deviation"
		}
	}
	if out.Detail == "" {
		out.Detail = a.Recommendation
	}
	setLabel(out, "protocol", a.Protocol)
	setLabel(out, "step", a.Step)
	return nil
}

type yieldBody struct {
	Strain   string  `json:"strain"`
	Flush    int     `json:"flush"`
	WetGrams float64 `json:"wet_grams"`
	DryGrams float64 `json:"dry_grams"`
	BEPct    float64 `json:"be_pct"`
	Room     string  `json:"room"`
}

func normalizeYield(body []byte, out *NormalizedRecord) error {
	var y yieldBody
	if err := json.Unmarshal(body, &y); err != nil {
		return fmt.Errorf("%w: %v", ErrBadBody, err)
	}
	if y.WetGrams <= 0 {
		return fmt.Errorf("%w: wet_grams", ErrMissingField)
	}
	if y.Strain == "" {
		return fmt.Errorf("%w: strain", ErrMissingField)
	}
	out.Severity = SeverityInfo
	out.Metric = y.WetGrams
	out.Unit = "g"
	if out.Title == "" {
		out.Title = y.Strain + " flush " + strconv.Itoa(y.Flush)
	}
	setLabel(out, "strain", y.Strain)
	setLabel(out, "flush", strconv.Itoa(y.Flush))
	setLabel(out, "room", y.Room)
	if y.DryGrams > 0 {
		setLabel(out, "dry_grams", formatFloat(y.DryGrams))
	}
	if y.BEPct > 0 {
		setLabel(out, "be_pct", formatFloat(y.BEPct))
	}
	return nil
}

type findingBody struct {
	Severity string `json:"severity"`
	Control  string `json:"control"`
	Standard string `json:"standard"`
	Summary  string `json:"summary"`
	DueDays  int    `json:"due_days"`
}

func normalizeFinding(body []byte, out *NormalizedRecord) error {
	var f findingBody
	if err := json.Unmarshal(body, &f); err != nil {
		return fmt.Errorf("%w: %v", ErrBadBody, err)
	}
	switch f.Severity {
	case "critical":
		out.Severity = SeverityCritical
	case "major":
		out.Severity = SeverityHigh
	case "minor":
		out.Severity = SeverityMedium
	case "observation":
		out.Severity = SeverityLow
	default:
		return fmt.Errorf("%w: severity %q", ErrBadEnum, f.Severity)
	}
	if out.Title == "" {
		if f.Summary == "" {
			return fmt.Errorf("%w: summary", ErrMissingField)
		}
		out.Title = f.Summary
	}
	setLabel(out, "control", f.Control)
	setLabel(out, "standard", f.Standard)
	if f.DueDays > 0 {
		setLabel(out, "due_days", strconv.Itoa(f.DueDays))
	}
	return nil
}

type driftBody struct {
	Metric   string  `json:"metric"`
	Room     string  `json:"room"`
	Delta    float64 `json:"delta"`
	Band     float64 `json:"band"`
	Setpoint float64 `json:"setpoint"`
	Unit     string  `json:"unit"`
}

func normalizeDrift(body []byte, out *NormalizedRecord) error {
	var d driftBody
	if err := json.Unmarshal(body, &d); err != nil {
		return fmt.Errorf("%w: %v", ErrBadBody, err)
	}
	if d.Band <= 0 {
		return fmt.Errorf("%w: band", ErrMissingField)
	}
	abs := d.Delta
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs > 2*d.Band:
		out.Severity = SeverityHigh
	case abs > d.Band:
		out.Severity = SeverityMedium
	default:
		out.Severity = SeverityLow
	}
	out.Metric = d.Delta
	out.Unit = d.Unit
	if out.Title == "" {
		if d.Metric != "" {
			out.Title = d.Metric + " drift"
		} else {
			out.Title = "setpoint drift"
		}
	}
	setLabel(out, "metric", d.Metric)
	setLabel(out, "room", d.Room)
	setLabel(out, "band", formatFloat(d.Band))
	if d.Setpoint != 0 {
		setLabel(out, "setpoint", formatFloat(d.Setpoint))
	}
	return nil
}

type archiveBody struct {
	Operation   string `json:"operation"`
	ObjectCount int    `json:"object_count"`
	Store       string `json:"store"`
}

func normalizeArchive(body []byte, out *NormalizedRecord) error {
	var a archiveBody
	if err := json.Unmarshal(body, &a); err != nil {
		return fmt.Errorf("%w: %v", ErrBadBody, err)
	}
	switch a.Operation {
	case "archived", "purged", "restored":
	default:
		return fmt.Errorf("%w: operation %q", ErrBadEnum, a.Operation)
	}
	out.Severity = SeverityInfo
	out.Metric = float64(a.ObjectCount)
	out.Unit = "objects"
	if out.Title == "" {
		out.Title = a.Operation + " objects"
	}
	setLabel(out, "operation", a.Operation)
	setLabel(out, "store", a.Store)
	return nil
}

type incidentBody struct {
	Impact        string `json:"impact"`
	System        string `json:"system"`
	Summary       string `json:"summary"`
	AffectedUnits int    `json:"affected_units"`
}

func normalizeIncident(body []byte, out *NormalizedRecord) error {
	var in incidentBody
	if err := json.Unmarshal(body, &in); err != nil {
		return fmt.Errorf("%w: %v", ErrBadBody, err)
	}
	switch in.Impact {
	case "outage":
		out.Severity = SeverityCritical
	case "degraded":
		out.Severity = SeverityHigh
	case "notice":
		out.Severity = SeverityMedium
	default:
		return fmt.Errorf("%w: impact %q", ErrBadEnum, in.Impact)
	}
	out.Metric = float64(in.AffectedUnits)
	out.Unit = "units"
	if out.Title == "" {
		if in.Summary != "" {
			out.Title = in.Summary
		} else {
			out.Title = in.System + " incident"
		}
	}
	setLabel(out, "system", in.System)
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
