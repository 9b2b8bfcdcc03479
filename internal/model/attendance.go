package model

// Date and time layouts of persisted attendance entries.
const (
	AttendanceDateLayout = "2006-01-02"
	AttendanceTimeLayout = "15:04:05"
)

type Teacher struct {
	Email    string `db:"email" bson:"email" json:"email"`
	Name     string `db:"name" bson:"name" json:"name"`
	ImageURL string `db:"image_url" bson:"imageUrl" json:"imageUrl,omitempty"`
}

// AttendanceRecord is one daily entry. At most one exists per (email, date).
type AttendanceRecord struct {
	Email           string `db:"email" bson:"-" json:"email,omitempty"`
	Date            string `db:"date" bson:"date" json:"date"`
	Time            string `db:"time" bson:"time" json:"time"`
	FaceMatched     bool   `db:"face_matched" bson:"faceMatched" json:"faceMatched"`
	LocationMatched bool   `db:"location_matched" bson:"locationMatched" json:"locationMatched"`
	Verified        bool   `db:"verified" bson:"verified" json:"verified"`
}

type UpsertAttendanceParams struct {
	Email           string
	Date            string
	Time            string
	FaceMatched     bool
	LocationMatched bool
}

func (p UpsertAttendanceParams) Verified() bool {
	return p.FaceMatched && p.LocationMatched
}

// Record is the entry the upsert writes.
func (p UpsertAttendanceParams) Record() AttendanceRecord {
	return AttendanceRecord{
		Email:           p.Email,
		Date:            p.Date,
		Time:            p.Time,
		FaceMatched:     p.FaceMatched,
		LocationMatched: p.LocationMatched,
		Verified:        p.Verified(),
	}
}

type UpsertResult struct {
	Action UpsertAction     `json:"action"`
	Record AttendanceRecord `json:"record"`
}
