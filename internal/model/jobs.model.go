package model

import "encoding/json"

const (
	JobNameSendSMS       = "send-sms"
	JobNameStartCampaign = "start-campaign"
)

// SendJob is the payload of one per-recipient send. Contact and campaign
// are snapshots taken at fan-out time.
type SendJob struct {
	CampaignID  string    `json:"campaignId"`
	ContactID   string    `json:"contactId"`
	PhoneNumber string    `json:"phoneNumber"`
	Message     string    `json:"message"`
	Contact     *Contact  `json:"contact,omitempty"`
	Campaign    *Campaign `json:"campaign,omitempty"`
}

// UnmarshalJSON also accepts the legacy patientId/patient keys.
func (j *SendJob) UnmarshalJSON(b []byte) error {
	type plain SendJob
	var aux struct {
		plain
		PatientID string   `json:"patientId"`
		Patient   *Contact `json:"patient"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*j = SendJob(aux.plain)
	if j.ContactID == "" {
		j.ContactID = aux.PatientID
	}
	if j.Contact == nil {
		j.Contact = aux.Patient
	}
	return nil
}

// CampaignStartJob asks the start worker to fan a campaign out.
type CampaignStartJob struct {
	CampaignID string   `json:"campaignId"`
	ContactIDs []string `json:"contactIds"`
}

func (j *CampaignStartJob) UnmarshalJSON(b []byte) error {
	type plain CampaignStartJob
	var aux struct {
		plain
		PatientIDs []string `json:"patientIds"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	*j = CampaignStartJob(aux.plain)
	if len(j.ContactIDs) == 0 {
		j.ContactIDs = aux.PatientIDs
	}
	return nil
}

// RecipientList is a request body naming contacts by id, under either the
// current contactIds key or the legacy patientIds key.
type RecipientList struct {
	ContactIDs []string `json:"contactIds"`
	PatientIDs []string `json:"patientIds"`
}

func (r RecipientList) IDs() []string {
	if len(r.ContactIDs) > 0 {
		return r.ContactIDs
	}
	return r.PatientIDs
}
