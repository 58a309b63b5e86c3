// Package prompt maps job types to the instructions sent to a
// provider. Shared by every adapter so switching providers does not
// change what an operation means.
package prompt

import "github.com/tailorcv/pipeline/internal/job"

var instructions = map[job.Type]string{
	job.TypeExtract:   "Extract the structured resume data from the supplied document text. Respond with a single JSON object containing contact details, work experience, education, and skills.",
	job.TypeTailor:    "Tailor the supplied resume content to the supplied job description. Respond with a single JSON object containing the rewritten sections.",
	job.TypeEvaluate:  "Score the supplied resume against the supplied job description. Respond with a single JSON object containing an overall score from 0 to 100 and per-section feedback.",
	job.TypeRephrase:  "Rephrase the supplied resume section for clarity and impact without inventing facts. Respond with a single JSON object containing the rewritten text.",
	job.TypeRecommend: "Recommend concrete improvements for the supplied resume. Respond with a single JSON object containing a list of recommendations.",
}

// Instruction returns the system instruction for a job type. Unknown
// types return the empty string; the worker validates types before
// invoking a provider.
func Instruction(t job.Type) string {
	return instructions[t]
}
