package notionsync

import (
	"strconv"
	"time"

	"github.com/jomei/notionapi"

	"github.com/dvloznov/msp-reconciler/internal/domain"
)

// Property names of the triage database.
const (
	PropOrderNumber     = "Order Number"
	PropTitle           = "Measure"
	PropDepartment      = "Department"
	PropLocationType    = "Location Type"
	PropEstimatedAmount = "Estimated Amount"
	PropGroupMembership = "Group Membership"
	PropRequestDate     = "Request Date"
	PropStatus          = "Status"
)

func richText(s string) []notionapi.RichText {
	return []notionapi.RichText{
		{
			Type: notionapi.ObjectTypeText,
			Text: &notionapi.Text{
				Content: s,
			},
		},
	}
}

// MeasureToNotionProperties converts an awaiting measure to triage page properties.
func MeasureToNotionProperties(m *domain.UnassignedMeasure) notionapi.Properties {
	props := notionapi.Properties{
		PropOrderNumber: notionapi.TitleProperty{
			Title: richText(strconv.Itoa(m.OrderNumber)),
		},
		PropEstimatedAmount: notionapi.NumberProperty{
			Number: m.EstimatedAmount.InexactFloat64(),
		},
		PropStatus: notionapi.SelectProperty{
			Select: notionapi.Option{
				Name: m.Status,
			},
		},
		PropLocationType: notionapi.SelectProperty{
			Select: notionapi.Option{
				Name: string(m.LocationType),
			},
		},
	}

	if m.MeasureTitle != "" {
		props[PropTitle] = notionapi.RichTextProperty{
			RichText: richText(m.MeasureTitle),
		}
	}

	// Department may be unknown until someone triages the measure.
	if m.Department != "" {
		props[PropDepartment] = notionapi.SelectProperty{
			Select: notionapi.Option{
				Name: m.Department,
			},
		}
	}

	if m.GroupMembership != "" {
		props[PropGroupMembership] = notionapi.RichTextProperty{
			RichText: richText(m.GroupMembership),
		}
	}

	if m.RequestDate != nil {
		d := notionapi.Date(m.RequestDate.In(time.UTC))
		props[PropRequestDate] = notionapi.DateProperty{
			Date: &notionapi.DateObject{
				Start: &d,
			},
		}
	}

	return props
}

// extractOrderNumber reads the order number title of a triage page.
// Returns 0 and false if it is missing or not a number.
func extractOrderNumber(page notionapi.Page) (int, bool) {
	var title []notionapi.RichText
	switch prop := page.Properties[PropOrderNumber].(type) {
	case *notionapi.TitleProperty:
		title = prop.Title
	case notionapi.TitleProperty:
		title = prop.Title
	}
	if len(title) == 0 {
		return 0, false
	}
	text := title[0].PlainText
	if text == "" && title[0].Text != nil {
		text = title[0].Text.Content
	}
	n, err := strconv.Atoi(text)
	if err != nil {
		return 0, false
	}
	return n, true
}
