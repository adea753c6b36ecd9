// Package facility resolves the plant-code-number/facility identity
// that every extracted row is stamped with, regardless of domain. The
// vendor customer id (PCN) doubles as both the DataSource host prefix
// and the facility tag the original Python carried on every record.
package facility

// Facility identifies the plant whose data a process is extracting.
type Facility struct {
	PCN  string
	Name string
	Code string
}

// Resolve builds a Facility from the configured customer id. The
// engine only ever runs against a single PCN per process, so Name and
// Code both default to the PCN itself; operators wanting a friendlier
// display name can override at the config layer in a later revision.
func Resolve(customerID string) Facility {
	return Facility{PCN: customerID, Name: customerID, Code: customerID}
}

// Stamp writes pcn and facility onto record in place, as every domain
// extractor's enrichment step requires.
func (f Facility) Stamp(record map[string]any) {
	record["pcn"] = f.PCN
	record["facility"] = f.Name
}
