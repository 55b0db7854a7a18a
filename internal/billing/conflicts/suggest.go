package conflicts

// Action is a corrective action an operator may apply.
type Action string

const (
	// ActionUnlinkOther unlinks every other organization storing the
	// customer and links it to the chosen organization.
	ActionUnlinkOther Action = "unlink_other"
	// ActionUpdateProviderMetadata points the customer's tag at the
	// organization that stores it.
	ActionUpdateProviderMetadata Action = "update_provider_metadata"
	// ActionUseDB keeps the organization's stored customer and clears the
	// other customer's tag.
	ActionUseDB Action = "use_db"
	// ActionUseProviderMetadata links the organization to the customer
	// whose tag names it.
	ActionUseProviderMetadata Action = "use_provider_metadata"
	// ActionManualReview is only ever suggested, never applied.
	ActionManualReview Action = "manual_review"
)

// Suggestion is the surfaced, never executed, recommendation for a
// mismatch.
type Suggestion struct {
	Action         Action `json:"action"`
	KeepCustomerID string `json:"keep_customer_id,omitempty"`
	AutoResolve    bool   `json:"auto_resolve"`
	Reason         string `json:"reason"`
}

// Suggest picks the customer to keep between the organization's stored
// customer and the customer tagged with it. Both sides showing activity
// always yields manual review.
func Suggest(storedID string, stored *Activity, taggedID string, tagged *Activity) Suggestion {
	if storedID == "" {
		if tagged != nil && tagged.Unknown {
			return Suggestion{Action: ActionManualReview, Reason: "activity of the tagged customer could not be determined"}
		}
		return Suggestion{
			Action:         ActionUseProviderMetadata,
			KeepCustomerID: taggedID,
			AutoResolve:    true,
			Reason:         "organization has no stored customer",
		}
	}

	if (stored != nil && stored.Unknown) || (tagged != nil && tagged.Unknown) {
		return Suggestion{Action: ActionManualReview, Reason: "activity could not be determined for every candidate"}
	}

	storedActive, taggedActive := stored.active(), tagged.active()
	switch {
	case storedActive && taggedActive:
		return Suggestion{Action: ActionManualReview, Reason: "both customers have billing activity"}
	case storedActive:
		return Suggestion{Action: ActionUseDB, KeepCustomerID: storedID, AutoResolve: true, Reason: "only the stored customer has billing activity"}
	case taggedActive:
		return Suggestion{Action: ActionUseProviderMetadata, KeepCustomerID: taggedID, AutoResolve: true, Reason: "only the tagged customer has billing activity"}
	default:
		return Suggestion{Action: ActionUseDB, KeepCustomerID: storedID, AutoResolve: true, Reason: "neither customer has billing activity; keeping the current link"}
	}
}
