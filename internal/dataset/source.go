package dataset

// Source locates a series: a CSV file, or a seeded synthetic walk of
// SyntheticDays business days when CSVPath is empty.
type Source struct {
	CSVPath       string
	Symbol        string
	SyntheticDays int
	Seed          int64
}

func Load(src Source, agents []AgentSpec) (*Dataset, error) {
	if src.CSVPath != "" {
		return LoadCSV(src.CSVPath, src.Symbol, agents)
	}
	return Synthetic(SyntheticConfig{Symbol: src.Symbol, Days: src.SyntheticDays, Seed: src.Seed}, agents)
}

// Standardized returns a z-scored copy of d for callers that feed raw
// features. Statistics come from the rows before the last holdout rows so the
// held-out tail never leaks into them; with no usable holdout every row is
// used.
func Standardized(d *Dataset, holdout int) (*Dataset, error) {
	out, err := d.Slice(0, d.Len())
	if err != nil {
		return nil, err
	}
	fit := out.Len()
	if holdout > 0 && holdout < fit-1 {
		fit -= holdout
	}
	if err := out.Standardize(fit); err != nil {
		return nil, err
	}
	return out, nil
}
