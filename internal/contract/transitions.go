package contract

import "github.com/fairlance/backend/internal/models"

// canTransition is the closed milestone transition table. The only permitted
// cycle is Submitted -> RequestedChanges -> Submitted; Released and Cancelled
// are terminal and match no case.
func canTransition(from, to string) bool {
	switch from {
	case models.MilestoneStatusUpcoming:
		return to == models.MilestoneStatusFunded || to == models.MilestoneStatusCancelled
	case models.MilestoneStatusFunded:
		return to == models.MilestoneStatusSubmitted || to == models.MilestoneStatusCancelled
	case models.MilestoneStatusSubmitted:
		return to == models.MilestoneStatusRequestedChanges || to == models.MilestoneStatusApproved
	case models.MilestoneStatusRequestedChanges:
		return to == models.MilestoneStatusSubmitted
	case models.MilestoneStatusApproved:
		return to == models.MilestoneStatusReleased
	}
	return false
}
