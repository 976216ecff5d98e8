package probe

import (
	"bytes"
	"strconv"
	"strings"

	"codeberg.org/mutker/telemlog/internal/errors"
	"codeberg.org/mutker/telemlog/internal/sample"
	"github.com/tidwall/gjson"
)

// MarkerField identifies the document carrying device state. Earlier
// documents in a newline-delimited stream are version and config preambles.
const MarkerField = "devs_state"

const (
	keyPrefix     = "gpu_"
	bytesPerMB    = 1024 * 1024
	engineAverage = "gpu_engines_avg_pct"
)

var frequencyFields = []struct{ field, name string }{
	{"act_freq", "actual"},
	{"cur_freq", "requested"},
	{"max_freq", "max"},
	{"min_freq", "min"},
}

var keyReplacer = strings.NewReplacer("/", "_", "-", "_", " ", "_")

// Identity describes the probed device. It is informational only.
type Identity struct {
	Driver string
	Type   string
	Name   string
}

// SelectDocument returns the authoritative document in data: the whole input
// when it is one JSON document carrying MarkerField, otherwise the last line
// that parses and carries it.
func SelectDocument(data []byte) (gjson.Result, error) {
	errFactory := errors.New()

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return gjson.Result{}, errFactory.WithMessage(errors.ErrNoData, "probe produced no output")
	}

	if gjson.ValidBytes(trimmed) {
		doc := gjson.ParseBytes(trimmed)
		if doc.Get(MarkerField).Exists() {
			return doc, nil
		}
	}

	lines := bytes.Split(trimmed, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 || line[0] != '{' || !gjson.ValidBytes(line) {
			continue
		}
		doc := gjson.ParseBytes(line)
		if doc.Get(MarkerField).Exists() {
			return doc, nil
		}
	}

	return gjson.Result{}, errFactory.WithMessage(errors.ErrNoData, "No valid GPU data in probe output")
}

// Extract flattens the first device of doc into metric samples. Every nested
// lookup is independent: a missing, mistyped or empty field only omits the
// metrics derived from it.
func Extract(doc gjson.Result) (*sample.Set, Identity, error) {
	errFactory := errors.New()

	state := doc.Get(MarkerField)
	devs := state.Array()
	if !state.IsArray() || len(devs) == 0 {
		return nil, Identity{}, errFactory.WithMessage(errors.ErrNoData, "No devices in probe output")
	}
	dev := devs[0]

	id := Identity{
		Driver: stringField(dev, "drv_name"),
		Type:   stringField(dev, "dev_type"),
		Name:   stringField(dev, "vdr_dev"),
	}

	stats := dev.Get("dev_stats")
	set := sample.NewSet()

	extractMemory(latest(stats.Get("mem_info")), set)
	extractEngines(stats.Get("eng_usage"), set)
	extractFrequency(stats.Get("freqs"), set)
	extractPower(latest(stats.Get("power")), set)
	extractSeries(stats.Get("temps"), "temp", "c", []string{"temp", "value", "cur"}, set)
	extractSeries(stats.Get("fans"), "fan", "rpm", []string{"speed", "rpm", "value", "cur"}, set)

	return set, id, nil
}

func extractMemory(mem gjson.Result, set *sample.Set) {
	if !mem.IsObject() {
		return
	}
	for _, region := range []string{"smem", "vram"} {
		total, hasTotal := number(mem.Get(region + "_total"))
		used, hasUsed := number(mem.Get(region + "_used"))
		if total == 0 && used == 0 {
			continue
		}
		if hasUsed {
			set.Put(metricKey(region, "used", "mb"), used/bytesPerMB)
		}
		if hasTotal {
			set.Put(metricKey(region, "total", "mb"), total/bytesPerMB)
		}
	}
}

func extractEngines(usage gjson.Result, set *sample.Set) {
	if !usage.IsObject() {
		return
	}
	var sum float64
	var count int
	usage.ForEach(func(name, series gjson.Result) bool {
		v, ok := number(latest(series))
		if !ok {
			v, ok = number(series)
		}
		if !ok {
			return true
		}
		set.Put(metricKey("engine", name.String(), "pct"), v)
		sum += v
		count++
		return true
	})
	if count > 0 {
		set.Put(engineAverage, sum/float64(count))
	}
}

func extractFrequency(freqs gjson.Result, set *sample.Set) {
	gts := latest(freqs)
	freq := gts
	if gts.IsArray() {
		arr := gts.Array()
		if len(arr) == 0 {
			return
		}
		freq = arr[0]
	}
	if !freq.IsObject() {
		return
	}
	for _, f := range frequencyFields {
		if v, ok := number(freq.Get(f.field)); ok {
			set.Put(metricKey("freq", f.name, "mhz"), v)
		}
	}
}

func extractPower(pwr gjson.Result, set *sample.Set) {
	if !pwr.IsObject() {
		return
	}
	if v, ok := number(pwr.Get("gpu_cur_power")); ok {
		set.Put("gpu_power_w", v)
	}
	if v, ok := number(pwr.Get("pkg_cur_power")); ok {
		set.Put("gpu_package_power_w", v)
	}
}

// extractSeries handles temperature and fan readings, which appear as an
// array of numbers, an array of named objects, a name to value map, or a
// history of any of those.
func extractSeries(r gjson.Result, category, unit string, valueFields []string, set *sample.Set) {
	switch {
	case r.IsArray():
		arr := r.Array()
		if len(arr) == 0 {
			return
		}
		if allArrays(arr) {
			extractSeries(arr[len(arr)-1], category, unit, valueFields, set)
			return
		}
		for i, e := range arr {
			name := strconv.Itoa(i)
			v, ok := number(e)
			if !ok && e.IsObject() {
				if n := stringField(e, "name"); n != "" {
					name = n
				}
				v, ok = firstNumber(e, valueFields)
			}
			if ok {
				set.Put(metricKey(category, name, unit), v)
			}
		}
	case r.IsObject():
		r.ForEach(func(name, value gjson.Result) bool {
			v, ok := number(value)
			if !ok {
				v, ok = number(latest(value))
			}
			if ok {
				set.Put(metricKey(category, name.String(), unit), v)
			}
			return true
		})
	}
}

// metricKey derives a stable column name from the probe's own field names.
func metricKey(category, name, unit string) string {
	return keyPrefix + sanitize(category) + "_" + sanitize(name) + "_" + unit
}

func sanitize(name string) string {
	return keyReplacer.Replace(strings.ToLower(name))
}

// latest returns the newest entry of a history array, or r itself when it
// is not an array.
func latest(r gjson.Result) gjson.Result {
	if !r.IsArray() {
		return r
	}
	arr := r.Array()
	if len(arr) == 0 {
		return gjson.Result{}
	}
	return arr[len(arr)-1]
}

func number(r gjson.Result) (float64, bool) {
	if r.Type != gjson.Number {
		return 0, false
	}
	return r.Float(), true
}

func firstNumber(r gjson.Result, fields []string) (float64, bool) {
	for _, f := range fields {
		if v, ok := number(r.Get(f)); ok {
			return v, true
		}
	}
	return 0, false
}

func stringField(r gjson.Result, field string) string {
	v := r.Get(field)
	if v.Type != gjson.String {
		return ""
	}
	return v.String()
}

func allArrays(arr []gjson.Result) bool {
	for _, e := range arr {
		if !e.IsArray() {
			return false
		}
	}
	return true
}
