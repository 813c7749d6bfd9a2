// Package logtail reads the end of the tether log file for `tether logs`.
//
// Read keeps a ring buffer of the last N lines, so memory stays bounded by N
// regardless of file size. A missing log file is not an error.
//
// Parse understands both slog handlers tether can be configured with (text
// and JSON) well enough to pull out the level and the execution context.
// Filter uses that to narrow output by minimum level or context, and
// Colorize paints a line in its level color via fatih/color.
package logtail
