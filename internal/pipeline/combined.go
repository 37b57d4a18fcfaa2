package pipeline

// FormatCombined renders the source and redacted text side by side for
// review:
//
//	<source>...</source>
//	<redacted>...</redacted>
func FormatCombined(source, redacted string) string {
	return "<source>" + source + "</source>\n<redacted>" + redacted + "</redacted>"
}
