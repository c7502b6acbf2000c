package session

import "strings"

// ResumeFlag is the one-time launch flag marking a resume hint.
const ResumeFlag = "--resume"

// usableResumeValue reports whether a token following the resume marker can
// be treated as a session identifier: it must not be another flag and must
// contain the id separator.
func usableResumeValue(v string) bool {
	return !strings.HasPrefix(v, "-") && strings.Contains(v, "-")
}

// ResumeHintFromArgs scans flat launch arguments for a resume marker
// followed by a value that looks like an identifier. A bare marker, or a
// marker followed by another flag, yields no hint.
func ResumeHintFromArgs(args []string) string {
	for i, a := range args {
		if a != ResumeFlag {
			continue
		}
		if i+1 >= len(args) {
			return ""
		}
		if v := args[i+1]; usableResumeValue(v) {
			return v
		}
		return ""
	}
	return ""
}

// StripResumeFlags removes every resume marker and its value from args.
func StripResumeFlags(args []string) []string {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		if args[i] == ResumeFlag {
			if i+1 < len(args) && usableResumeValue(args[i+1]) {
				i++
			}
			continue
		}
		out = append(out, args[i])
	}
	return out
}

// AppendResumeFlag returns args with a one-time resume hint appended,
// replacing any hint already present.
func AppendResumeFlag(args []string, sessionID string) []string {
	return append(StripResumeFlags(args), ResumeFlag, sessionID)
}
