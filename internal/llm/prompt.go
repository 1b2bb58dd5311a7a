package llm

import (
	"fmt"
	"strings"
)

// ReferencePageSize is how many citations a follow-up round asks for.
const ReferencePageSize = 25

// MetadataPrompt asks for bibliographic metadata of the attached article.
func MetadataPrompt() string {
	parts := []string{
		"You are a bibliographic metadata extractor for academic articles. Return ONLY a JSON object.",
		`Use exactly these keys: "title", "authors", "abstract", "keywords", "journal", "volume", "issue", "year", "doi", "pages", "article_type".`,
		`"authors" is an array of objects with, when available: "name", "first_name", "last_name", "email", "mobile_no", "designation", "institution", "parent_institution", "department", "orcid_id", "address", "affiliation", "city", "state", "country", "pincode".`,
		`Put middle names in "first_name" (for 'John Michael Smith', first_name is 'John Michael').`,
		`Keep "department" verbatim as printed.`,
		`Separate the designation from the institution: "Project Assistant-II, CSIR - NEERI, Nagpur-440020 (India)" gives designation "Project Assistant-II", institution "CSIR - NEERI", city "Nagpur", country "India", pincode "440020".`,
		`"year" is an integer. "keywords" is an array of strings.`,
		"If a value cannot be found use null, or an empty array for lists. Never invent values.",
	}
	return strings.Join(parts, "\n")
}

// ReferencesPrompt asks for every citation in the bibliography. With complete
// set, the model also reports the total count so later rounds can continue.
func ReferencesPrompt(complete bool) string {
	parts := []string{
		"Extract all references/citations from this academic article. Return ONLY a JSON object.",
		`Shape: {"references": [ ... ]}. Each reference has: "text" (the full reference exactly as printed), "citation_type" (journal, conference proceedings, book, website, thesis, report, ...), "authors" (array of strings), "title", "year" (integer), "journal", "conference", "volume", "issue", "pages", "doi", "url", "publisher", "citation_position" (the reference number as a string).`,
		`For journal articles set citation_type "journal" and fill "journal"; for proceedings set "conference proceedings" and fill "conference".`,
		"Citations can continue across pages or columns. A fragment starting in lowercase, with a conjunction, or without a number at the top of a page belongs to the previous citation. Join them into one reference.",
		"Look for numbered, bracketed and author-year bibliographies. If none exist return an empty array.",
	}
	if complete {
		parts = append(parts,
			fmt.Sprintf(`Return at most %d references in this response. Also include "total_references" (the number of entries in the bibliography) and "has_more" (true if references remain after these).`, ReferencePageSize),
		)
	}
	return strings.Join(parts, "\n")
}

// ReferencesFollowUpPrompt continues a complete extraction after `have` citations.
func ReferencesFollowUpPrompt(have, total int) string {
	approx := "an unknown number of"
	if total > 0 {
		approx = fmt.Sprintf("approximately %d", total)
	}
	return strings.Join([]string{
		fmt.Sprintf("Continue extracting references from the attached article. %d references out of %s total were already extracted.", have, approx),
		fmt.Sprintf("Continue from reference #%d and return the next %d references using the same fields as before.", have+1, ReferencePageSize),
		`Return ONLY {"references": [...], "total_references": N, "has_more": bool}. If nothing remains return an empty array and has_more false.`,
	}, "\n")
}

// FullTextPrompt asks for a plain text transcription.
func FullTextPrompt() string {
	return `Transcribe the full text of the attached article in reading order, without headers, footers or page numbers. Return ONLY {"text": "..."}.`
}
