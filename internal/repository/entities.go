package repository

// Entities lists every table owned by the repositories, in dependency order.
func Entities() []any {
	return []any{&CampaignEntity{}, &ContactEntity{}, &MessageEntity{}, &CampaignRecipientEntity{}}
}
