package report

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/mycelia/mycelia/core/controlplane/actionengine"
	"github.com/mycelia/mycelia/core/infra/templates"
	"github.com/mycelia/mycelia/core/ingest"
	"github.com/mycelia/mycelia/core/protocol/wire"
)

// Builder assembles bundles from normalized records and task history.
type Builder struct {
	templates *templates.Store
	version   string
}

// NewBuilder creates a builder rendering summaries through the given template
// store. A nil store falls back to the compiled-in defaults.
func NewBuilder(tmpl *templates.Store, version string) *Builder {
	if tmpl == nil {
		tmpl = templates.NewStore()
	}
	return &Builder{templates: tmpl, version: version}
}

// Input is everything a single bundle is built from. Records and tasks are
// re-filtered against scope and range, so over-fetching is safe.
type Input struct {
	Category    string
	Scope       wire.Scope
	Range       wire.TimeRange
	Records     []ingest.NormalizedRecord
	Tasks       []actionengine.ActionTask
	TaskEvents  map[string][]actionengine.TaskEventEntry
	GeneratedBy string
}

// Build produces the bundle for one request. The same input always yields the
// same sections; only the bundle id and generation time differ.
func (b *Builder) Build(in Input) (Bundle, error) {
	if !ValidCategory(in.Category) {
		return Bundle{}, fmt.Errorf("unknown report category: %q", in.Category)
	}
	now := time.Now().UTC()
	records := filterRecords(in.Records, in.Scope, in.Range)
	tasks := filterTasks(in.Tasks, in.Scope)

	var sections []Section
	switch in.Category {
	case CategoryOperations:
		sections = buildOperations(records, tasks, in.TaskEvents, in.Range, now)
	case CategoryContamination:
		sections = buildContamination(records, tasks)
	case CategoryHarvest:
		sections = buildHarvest(records)
	case CategoryEnvironment:
		sections = buildEnvironment(records)
	case CategoryCompliance:
		sections = buildCompliance(records, tasks, in.Range, now)
	}

	return Bundle{
		ID:       uuid.NewString(),
		Category: in.Category,
		Scope:    in.Scope,
		Range:    in.Range,
		Sections: sections,
		Summary:  b.summarize(in, records, tasks, sections),
		Meta: BundleMeta{
			GeneratedAt:   now,
			GeneratedBy:   in.GeneratedBy,
			RecordCount:   len(records),
			EngineVersion: b.version,
		},
	}, nil
}

func filterRecords(records []ingest.NormalizedRecord, scope wire.Scope, rng wire.TimeRange) []ingest.NormalizedRecord {
	out := make([]ingest.NormalizedRecord, 0, len(records))
	for _, rec := range records {
		if scope.Tenant != "" && !scope.Contains(rec.Scope) {
			continue
		}
		if !rng.From.IsZero() && rec.OccurredAt.Before(rng.From) {
			continue
		}
		if !rng.To.IsZero() && rec.OccurredAt.After(rng.To) {
			continue
		}
		out = append(out, rec)
	}
	return out
}

func filterTasks(tasks []actionengine.ActionTask, scope wire.Scope) []actionengine.ActionTask {
	out := make([]actionengine.ActionTask, 0, len(tasks))
	for _, t := range tasks {
		if scope.Tenant != "" && !scope.Contains(t.Scope()) {
			continue
		}
		out = append(out, t)
	}
	return out
}

func createdInRange(tasks []actionengine.ActionTask, rng wire.TimeRange) []actionengine.ActionTask {
	if rng.From.IsZero() && rng.To.IsZero() {
		return tasks
	}
	out := make([]actionengine.ActionTask, 0, len(tasks))
	for _, t := range tasks {
		created := time.Unix(t.CreatedAt, 0).UTC()
		if !rng.From.IsZero() && created.Before(rng.From) {
			continue
		}
		if !rng.To.IsZero() && created.After(rng.To) {
			continue
		}
		out = append(out, t)
	}
	return out
}

func phaseRecords(records []ingest.NormalizedRecord, phase int) []ingest.NormalizedRecord {
	out := make([]ingest.NormalizedRecord, 0, len(records))
	for _, rec := range records {
		if rec.Phase == phase {
			out = append(out, rec)
		}
	}
	return out
}

func phaseTasks(tasks []actionengine.ActionTask, phases ...int) []actionengine.ActionTask {
	want := make(map[int]bool, len(phases))
	for _, p := range phases {
		want[p] = true
	}
	out := make([]actionengine.ActionTask, 0, len(tasks))
	for _, t := range tasks {
		if want[t.Phase] {
			out = append(out, t)
		}
	}
	return out
}

func openTask(t actionengine.ActionTask) bool {
	return !actionengine.IsTerminal(t.State)
}

func buildOperations(records []ingest.NormalizedRecord, tasks []actionengine.ActionTask, events map[string][]actionengine.TaskEventEntry, rng wire.TimeRange, now time.Time) []Section {
	created := createdInRange(tasks, rng)
	total := len(created)

	var open, resolved, dismissed, escalated int
	var resolveSum float64
	var resolveN int
	for _, t := range created {
		switch {
		case t.State == actionengine.TaskStateResolved:
			resolved++
			resolveSum += float64(t.UpdatedAt-t.CreatedAt) / 3600
			resolveN++
		case t.State == actionengine.TaskStateDismissed:
			dismissed++
		default:
			open++
		}
		if t.Escalated {
			escalated++
		}
	}

	var ackSum float64
	var ackN int
	for _, t := range created {
		for _, ev := range events[t.ID] {
			if ev.State != actionengine.TaskStateAcknowledged {
				continue
			}
			if hours := float64(ev.At-t.CreatedAt) / 3600; hours >= 0 {
				ackSum += hours
				ackN++
			}
			break
		}
	}

	metrics := []Metric{
		{Name: "tasks_created", Value: float64(total)},
		{Name: "tasks_open", Value: float64(open)},
		{Name: "tasks_terminal", Value: float64(resolved + dismissed)},
		{Name: "resolution_rate", Value: rate(float64(resolved), float64(total)), Unit: "%"},
		{Name: "dismissal_rate", Value: rate(float64(dismissed), float64(total)), Unit: "%"},
		{Name: "escalation_rate", Value: rate(float64(escalated), float64(total)), Unit: "%"},
		{Name: "avg_ack_latency", Value: average(ackSum, ackN), Unit: "h"},
		{Name: "avg_resolution_latency", Value: average(resolveSum, resolveN), Unit: "h"},
		{Name: "advisories_issued", Value: float64(len(phaseRecords(records, 20)))},
		{Name: "incidents_reported", Value: float64(len(phaseRecords(records, 80)))},
	}

	byAssignee := map[string]float64{}
	for _, t := range created {
		if t.State == actionengine.TaskStateResolved && t.Assignee != "" {
			byAssignee[t.Assignee]++
		}
	}

	return []Section{
		{Title: "Task throughput", Kind: SectionKindMetrics, Metrics: metrics},
		rankingSection("Assignees by resolved tasks", "assignee", "resolved", rankFromCounts(byAssignee)),
		openTaskTable("Open critical and high tasks", tasks, now),
	}
}

func buildContamination(records []ingest.NormalizedRecord, tasks []actionengine.ActionTask) []Section {
	detections := phaseRecords(records, 30)

	// The active-batch denominator rides on telemetry summaries, not on the
	// detections themselves.
	var batchTotal float64
	for _, rec := range phaseRecords(records, 10) {
		if v, err := strconv.ParseFloat(rec.Label("batch_total"), 64); err == nil && v > batchTotal {
			batchTotal = v
		}
	}

	var containSum float64
	var containN int
	for _, t := range phaseTasks(tasks, 30) {
		if t.State == actionengine.TaskStateResolved {
			containSum += float64(t.UpdatedAt-t.CreatedAt) / 3600
			containN++
		}
	}

	metrics := []Metric{
		{Name: "detections", Value: float64(len(detections))},
	}
	// No batch_total label in the window means no denominator: the rate is
	// omitted, not reported as zero.
	if batchTotal > 0 {
		metrics = append(metrics, Metric{
			Name:  "contamination_rate_per_100_batches",
			Value: rate(float64(len(detections)), batchTotal),
			Unit:  "%",
		})
	}
	metrics = append(metrics, Metric{Name: "avg_containment_hours", Value: average(containSum, containN), Unit: "h"})

	byRoom := map[string]float64{}
	for _, rec := range detections {
		if room := rec.Label("room"); room != "" {
			byRoom[room]++
		}
	}

	type speciesAgg struct {
		count    int
		severity string
	}
	bySpecies := map[string]*speciesAgg{}
	for _, rec := range detections {
		species := rec.Label("species")
		if species == "" {
			species = "unidentified"
		}
		agg := bySpecies[species]
		if agg == nil {
			agg = &speciesAgg{}
			bySpecies[species] = agg
		}
		agg.count++
		if ingest.SeverityRank(rec.Severity) > ingest.SeverityRank(agg.severity) {
			agg.severity = rec.Severity
		}
	}
	names := make([]string, 0, len(bySpecies))
	for name := range bySpecies {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if bySpecies[names[i]].count != bySpecies[names[j]].count {
			return bySpecies[names[i]].count > bySpecies[names[j]].count
		}
		return names[i] < names[j]
	})
	rows := make([][]string, 0, len(names))
	for _, name := range names {
		agg := bySpecies[name]
		rows = append(rows, []string{name, strconv.Itoa(agg.count), agg.severity})
	}

	return []Section{
		{Title: "Contamination", Kind: SectionKindMetrics, Metrics: metrics},
		rankingSection("Rooms by detections", "room", "detections", rankFromCounts(byRoom)),
		{Title: "Detections by species", Kind: SectionKindTable, Table: &Table{
			Headers: []string{"species", "detections", "max_severity"},
			Rows:    rows,
		}},
	}
}

const flushTableLimit = 20

func buildHarvest(records []ingest.NormalizedRecord) []Section {
	flushes := phaseRecords(records, 40)

	var totalWet float64
	for _, rec := range flushes {
		totalWet += rec.Metric
	}
	var beSum float64
	var beN int
	for _, rec := range flushes {
		if v, err := strconv.ParseFloat(rec.Label("be_pct"), 64); err == nil {
			beSum += v
			beN++
		}
	}

	metrics := []Metric{
		{Name: "flush_records", Value: float64(len(flushes))},
		{Name: "total_wet_yield", Value: round1(totalWet), Unit: "g"},
		{Name: "avg_flush_yield", Value: average(totalWet, len(flushes)), Unit: "g"},
	}
	if beN > 0 {
		metrics = append(metrics, Metric{Name: "avg_biological_efficiency", Value: average(beSum, beN), Unit: "%"})
	}

	byStrain := map[string]float64{}
	for _, rec := range flushes {
		if strain := rec.Label("strain"); strain != "" {
			byStrain[strain] += rec.Metric
		}
	}

	sorted := make([]ingest.NormalizedRecord, len(flushes))
	copy(sorted, flushes)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].OccurredAt.Equal(sorted[j].OccurredAt) {
			return sorted[i].OccurredAt.After(sorted[j].OccurredAt)
		}
		return sorted[i].ID < sorted[j].ID
	})
	if len(sorted) > flushTableLimit {
		sorted = sorted[:flushTableLimit]
	}
	rows := make([][]string, 0, len(sorted))
	for _, rec := range sorted {
		be := rec.Label("be_pct")
		if be == "" {
			be = "-"
		}
		rows = append(rows, []string{
			rec.OccurredAt.UTC().Format("2006-01-02 15:04"),
			rec.Label("strain"),
			rec.Label("flush"),
			strconv.FormatFloat(rec.Metric, 'f', 1, 64),
			be,
		})
	}

	return []Section{
		{Title: "Harvest", Kind: SectionKindMetrics, Metrics: metrics},
		rankingSection("Strains by total yield", "strain", "wet_g", rankFromCounts(byStrain)),
		{Title: "Flush records", Kind: SectionKindTable, Table: &Table{
			Headers: []string{"occurred", "strain", "flush", "wet_g", "be_pct"},
			Rows:    rows,
		}},
	}
}

const driftTableLimit = 10

func buildEnvironment(records []ingest.NormalizedRecord) []Section {
	alerts := phaseRecords(records, 10)
	drift := phaseRecords(records, 60)

	var outOfBand int
	for _, rec := range drift {
		if rec.Severity == ingest.SeverityHigh || rec.Severity == ingest.SeverityMedium {
			outOfBand++
		}
	}

	metrics := []Metric{
		{Name: "alerts", Value: float64(len(alerts))},
		{Name: "drift_events", Value: float64(len(drift))},
		{Name: "out_of_band_rate", Value: rate(float64(outOfBand), float64(len(drift))), Unit: "%"},
	}

	type deltaAgg struct {
		sum  float64
		n    int
		unit string
	}
	byMetric := map[string]*deltaAgg{}
	for _, rec := range drift {
		name := rec.Label("metric")
		if name == "" {
			continue
		}
		agg := byMetric[name]
		if agg == nil {
			agg = &deltaAgg{unit: rec.Unit}
			byMetric[name] = agg
		}
		agg.sum += math.Abs(rec.Metric)
		agg.n++
	}
	metricNames := make([]string, 0, len(byMetric))
	for name := range byMetric {
		metricNames = append(metricNames, name)
	}
	sort.Strings(metricNames)
	for _, name := range metricNames {
		agg := byMetric[name]
		metrics = append(metrics, Metric{
			Name:  "avg_abs_drift_" + name,
			Value: average(agg.sum, agg.n),
			Unit:  agg.unit,
		})
	}

	byRoom := map[string]float64{}
	for _, rec := range alerts {
		if room := rec.Label("room"); room != "" {
			byRoom[room]++
		}
	}
	for _, rec := range drift {
		if room := rec.Label("room"); room != "" {
			byRoom[room]++
		}
	}

	worst := make([]ingest.NormalizedRecord, len(drift))
	copy(worst, drift)
	sort.Slice(worst, func(i, j int) bool {
		ai, aj := math.Abs(worst[i].Metric), math.Abs(worst[j].Metric)
		if ai != aj {
			return ai > aj
		}
		return worst[i].ID < worst[j].ID
	})
	if len(worst) > driftTableLimit {
		worst = worst[:driftTableLimit]
	}
	rows := make([][]string, 0, len(worst))
	for _, rec := range worst {
		rows = append(rows, []string{
			rec.OccurredAt.UTC().Format("2006-01-02 15:04"),
			rec.Label("room"),
			rec.Label("metric"),
			strconv.FormatFloat(rec.Metric, 'f', 2, 64),
			rec.Severity,
		})
	}

	return []Section{
		{Title: "Environment", Kind: SectionKindMetrics, Metrics: metrics},
		rankingSection("Rooms by alerts and drift", "room", "events", rankFromCounts(byRoom)),
		{Title: "Worst drift events", Kind: SectionKindTable, Table: &Table{
			Headers: []string{"occurred", "room", "metric", "delta", "severity"},
			Rows:    rows,
		}},
	}
}

func buildCompliance(records []ingest.NormalizedRecord, tasks []actionengine.ActionTask, rng wire.TimeRange, now time.Time) []Section {
	findings := append(phaseRecords(records, 50), phaseRecords(records, 90)...)

	bySeverity := map[string]int{}
	for _, rec := range findings {
		bySeverity[rec.Severity]++
	}
	metrics := make([]Metric, 0, 8)
	for _, sev := range []string{ingest.SeverityCritical, ingest.SeverityHigh, ingest.SeverityMedium, ingest.SeverityLow, ingest.SeverityInfo} {
		metrics = append(metrics, Metric{Name: "findings_" + lowerSeverity(sev), Value: float64(bySeverity[sev])})
	}

	complianceTasks := phaseTasks(tasks, 50, 90)
	created := createdInRange(complianceTasks, rng)
	var resolved int
	for _, t := range created {
		if t.State == actionengine.TaskStateResolved {
			resolved++
		}
	}
	var overdue int
	for _, t := range complianceTasks {
		if openTask(t) && t.ResolveDeadlineUnix > 0 && t.ResolveDeadlineUnix < now.Unix() {
			overdue++
		}
	}
	metrics = append(metrics,
		Metric{Name: "closure_rate", Value: rate(float64(resolved), float64(len(created))), Unit: "%"},
		Metric{Name: "overdue_findings", Value: float64(overdue)},
	)

	byStandard := map[string]float64{}
	for _, rec := range findings {
		if std := rec.Label("standard"); std != "" {
			byStandard[std]++
		}
	}

	return []Section{
		{Title: "Compliance", Kind: SectionKindMetrics, Metrics: metrics},
		rankingSection("Standards by findings", "standard", "findings", rankFromCounts(byStandard)),
		openTaskTable("Open critical and high findings", complianceTasks, now),
	}
}

func lowerSeverity(sev string) string {
	switch sev {
	case ingest.SeverityCritical:
		return "critical"
	case ingest.SeverityHigh:
		return "high"
	case ingest.SeverityMedium:
		return "medium"
	case ingest.SeverityLow:
		return "low"
	case ingest.SeverityInfo:
		return "info"
	}
	return "unknown"
}

// openTaskTable lists open CRITICAL/HIGH tasks, worst and oldest first.
func openTaskTable(title string, tasks []actionengine.ActionTask, now time.Time) Section {
	open := make([]actionengine.ActionTask, 0, len(tasks))
	for _, t := range tasks {
		if !openTask(t) {
			continue
		}
		if t.Severity != ingest.SeverityCritical && t.Severity != ingest.SeverityHigh {
			continue
		}
		open = append(open, t)
	}
	sort.Slice(open, func(i, j int) bool {
		ri, rj := ingest.SeverityRank(open[i].Severity), ingest.SeverityRank(open[j].Severity)
		if ri != rj {
			return ri > rj
		}
		if open[i].CreatedAt != open[j].CreatedAt {
			return open[i].CreatedAt < open[j].CreatedAt
		}
		return open[i].ID < open[j].ID
	})
	rows := make([][]string, 0, len(open))
	for _, t := range open {
		age := now.Sub(time.Unix(t.CreatedAt, 0)).Hours()
		if age < 0 {
			age = 0
		}
		rows = append(rows, []string{
			t.ID,
			t.Severity,
			string(t.State),
			t.Title,
			t.Assignee,
			strconv.FormatFloat(age, 'f', 1, 64),
		})
	}
	return Section{Title: title, Kind: SectionKindTable, Table: &Table{
		Headers: []string{"task", "severity", "state", "title", "assignee", "age_h"},
		Rows:    rows,
	}}
}

func rankingSection(title, labelHeader, valueHeader string, entries []rankEntry) Section {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{e.Label, strconv.FormatFloat(e.Value, 'f', -1, 64)})
	}
	return Section{Title: title, Kind: SectionKindRanking, Table: &Table{
		Headers: []string{labelHeader, valueHeader},
		Rows:    rows,
	}}
}

func (b *Builder) summarize(in Input, records []ingest.NormalizedRecord, tasks []actionengine.ActionTask, sections []Section) ExecutiveSummary {
	health := healthFor(records, tasks)
	headline, err := b.templates.Render(in.Category, templates.HeadlineData{
		Category:    in.Category,
		Tenant:      in.Scope.Tenant,
		Facility:    in.Scope.Facility,
		RecordCount: len(records),
		WindowHours: in.Range.Window().Hours(),
		Health:      health,
	})
	if err != nil || headline == "" {
		headline = fmt.Sprintf("%s report for %s", in.Category, in.Scope.String())
	}
	return ExecutiveSummary{
		Headline: headline,
		Lines:    summaryLines(sections),
		Health:   health,
	}
}

// healthFor grades the window: critical when a CRITICAL alert or finding is
// still open, watch when escalations or out-of-band drift run hot.
func healthFor(records []ingest.NormalizedRecord, tasks []actionengine.ActionTask) string {
	var escalated int
	for _, t := range tasks {
		if openTask(t) && t.Severity == ingest.SeverityCritical &&
			(t.Family == ingest.FamilyAlert || t.Family == ingest.FamilyFinding) {
			return HealthCritical
		}
		if t.Escalated {
			escalated++
		}
	}

	var drift, outOfBand int
	for _, rec := range records {
		if rec.Family != ingest.FamilyDrift {
			continue
		}
		drift++
		if rec.Severity == ingest.SeverityHigh || rec.Severity == ingest.SeverityMedium {
			outOfBand++
		}
	}

	if rate(float64(escalated), float64(len(tasks))) > 20 {
		return HealthWatch
	}
	if rate(float64(outOfBand), float64(drift)) > 25 {
		return HealthWatch
	}
	return HealthGood
}

const summaryLineLimit = 6

// summaryLines lifts the leading metrics section into printable lines.
func summaryLines(sections []Section) []string {
	for _, sec := range sections {
		if sec.Kind != SectionKindMetrics {
			continue
		}
		lines := make([]string, 0, summaryLineLimit)
		for _, m := range sec.Metrics {
			if len(lines) == summaryLineLimit {
				break
			}
			line := fmt.Sprintf("%s: %s", m.Name, strconv.FormatFloat(m.Value, 'f', -1, 64))
			if m.Unit != "" {
				line += m.Unit
			}
			lines = append(lines, line)
		}
		return lines
	}
	return nil
}
