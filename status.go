package delivery

// ChangeStatus is the lifecycle state of a change notification in a pull-style feed.
type ChangeStatus int16

const (
	// ChangeStatusPending indicates the notification still has to be handled.
	ChangeStatusPending ChangeStatus = 0
	// ChangeStatusProcessed indicates the handler accepted the notification.
	ChangeStatusProcessed ChangeStatus = 1
	// ChangeStatusDead indicates the notification exceeded its redelivery attempts.
	ChangeStatusDead ChangeStatus = -1
)
