package domain

// Industries offered on the generation form.
var Industries = []string{
	"SaaS", "E-commerce", "Agency", "Startup", "Restaurant", "Healthcare", "Education", "Finance",
}

// TemplateCategories are the section categories of the template catalog.
var TemplateCategories = []string{
	"hero-sections", "feature-layouts", "pricing-tables", "testimonials", "navigation-patterns",
}
