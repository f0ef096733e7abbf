package campaign

import (
	"strings"

	"github.com/lalithlochan/beacon/internal/db"
)

// Render substitutes {{placeholder}} tokens in tmpl with contact fields.
// Tokens it does not recognise are left in place.
func Render(tmpl string, c *db.Contact) string {
	if c == nil || !strings.Contains(tmpl, "{{") {
		return tmpl
	}

	r := strings.NewReplacer(
		"{{first_name}}", c.FirstName,
		"{{last_name}}", c.LastName,
		"{{email}}", c.Email,
		"{{phone_number}}", c.PhoneNumber,
		"{{city}}", c.City,
		"{{state}}", c.State,
		"{{job_type}}", c.JobType,
	)
	return r.Replace(tmpl)
}
