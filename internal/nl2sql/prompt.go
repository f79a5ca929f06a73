package nl2sql

import (
	"fmt"
	"strings"
)

const schemaCheatSheet = `SCHEMA NOTES (clonecrm):
- branch.branchno joins customer.branchno and invoice.branchno.
- city.cityid joins customer.cityid; countryid/stateid carry the geo hierarchy.
- customer.custid joins invoice.custid and lead.custid.
- customertype.custtype (1-7) and customertypedtl.custtypedetail (1-8) classify customers; custtypedetail 2 is FIT NON CORPORATE (retail), 6 is CORPORATE.
- product.prodcode (DO, HT, OT, TK, TR) joins productdtl.proddtlcode (e.g. TKTD, TRPD).
- invoice.invoicestatus is one of PAID, OUTS, VOID; balanceinvoice is the default total sell amount per invoice.
- Monetary fields are IDR unless currid overrides.
- custid is the customer identity key, never dedupe customers by name.
- Column values are case sensitive, match the exact casing shown in the schema.`

// BuildQueryPrompt asks for a single read-only SQL statement answering
// the question against the given schema.
func BuildQueryPrompt(question, schemaContext string, maxRows int) string {
	var b strings.Builder
	b.WriteString("You are an expert data analyst with access to a PostgreSQL database.\n")
	b.WriteString("Given the question below, write one syntactically correct PostgreSQL SELECT statement that answers it.\n\n")
	b.WriteString("Rules:\n")
	b.WriteString("- Only use tables and columns from the schema below. Never invent columns or tables.\n")
	b.WriteString("- Write exactly one statement. No INSERT, UPDATE, DELETE, DDL, or multiple statements.\n")
	b.WriteString("- Prefer selecting limited, relevant columns over SELECT *.\n")
	fmt.Fprintf(&b, "- Use LIMIT %d unless the question asks for fewer rows.\n", maxRows)
	b.WriteString("- Use DISTINCT when helpful and qualify column names when joining.\n")
	b.WriteString("- Respond with the SQL statement only, no explanation and no markdown fences.\n\n")
	b.WriteString(schemaCheatSheet)
	b.WriteString("\n\n")
	b.WriteString(schemaContext)
	b.WriteString("\n\nQuestion: ")
	b.WriteString(question)
	b.WriteString("\nSQL:")
	return b.String()
}

// BuildRetryPrompt extends the query prompt with the rejection the
// previous statement earned, asking for a corrected statement.
func BuildRetryPrompt(question, schemaContext string, maxRows int, rejected, reason string) string {
	var b strings.Builder
	b.WriteString(BuildQueryPrompt(question, schemaContext, maxRows))
	b.WriteString("\n\nYour previous statement was rejected.\n")
	b.WriteString("Rejected statement: ")
	b.WriteString(rejected)
	b.WriteString("\nReason: ")
	b.WriteString(reason)
	b.WriteString("\nWrite a corrected statement that avoids this problem.\nSQL:")
	return b.String()
}

// BuildSegmentPrompt asks for a named customer segment as a JSON object
// holding a segment name and the SQL that selects its members.
func BuildSegmentPrompt(description, schemaContext, language string) string {
	var b strings.Builder
	b.WriteString("Based on this customer segment description, generate:\n")
	b.WriteString("1. A PostgreSQL SELECT statement that returns the customers matching the criteria.\n")
	fmt.Fprintf(&b, "2. A short name for the segment (max 50 characters, in %s).\n\n", language)
	b.WriteString("Description: \"")
	b.WriteString(description)
	b.WriteString("\"\n\n")
	b.WriteString("Requirements for the SQL:\n")
	b.WriteString("- Must return custid, custname, email, mobileno.\n")
	b.WriteString("- Include calculated fields when relevant: last_transaction_date, total_spending, transaction_count.\n")
	b.WriteString("- Join customer and invoice where the description needs transaction data.\n")
	b.WriteString("- Do NOT add LIMIT unless the description asks for it.\n")
	b.WriteString("- One statement only, read-only.\n\n")
	b.WriteString(schemaCheatSheet)
	b.WriteString("\n\n")
	b.WriteString(schemaContext)
	b.WriteString("\n\nReturn exactly this JSON shape and nothing else:\n")
	b.WriteString("{\"name\": \"segment name\", \"sql\": \"SELECT ...\"}\n\nJSON:")
	return b.String()
}
