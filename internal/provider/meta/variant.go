package meta

// Variant describes the Graph API surface of one Meta platform.
type Variant struct {
	Name    string
	BaseURL string
	// MediaEdge lists the account's content: "media" on Instagram,
	// "posts" on Facebook pages.
	MediaEdge string
	// AccountMetrics and PostMetrics map Graph metric names onto
	// MetricValues fields.
	AccountMetrics map[string]string
	PostMetrics    map[string]string
}

const (
	fieldReach       = "reach"
	fieldImpressions = "impressions"
	fieldLikes       = "likes"
	fieldComments    = "comments"
	fieldShares      = "shares"
	fieldSaves       = "saves"
)

var Instagram = Variant{
	Name:      "instagram",
	BaseURL:   "https://graph.instagram.com/v21.0",
	MediaEdge: "media",
	AccountMetrics: map[string]string{
		"reach":       fieldReach,
		"impressions": fieldImpressions,
	},
	PostMetrics: map[string]string{
		"reach":       fieldReach,
		"impressions": fieldImpressions,
		"likes":       fieldLikes,
		"comments":    fieldComments,
		"shares":      fieldShares,
		"saved":       fieldSaves,
	},
}

var Facebook = Variant{
	Name:      "facebook",
	BaseURL:   "https://graph.facebook.com/v21.0",
	MediaEdge: "posts",
	AccountMetrics: map[string]string{
		"page_impressions_unique": fieldReach,
		"page_impressions":        fieldImpressions,
	},
	PostMetrics: map[string]string{
		"post_impressions_unique":      fieldReach,
		"post_impressions":             fieldImpressions,
		"post_reactions_by_type_total": fieldLikes,
	},
}
