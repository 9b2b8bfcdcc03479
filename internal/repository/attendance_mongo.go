package repository

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	apperrors "github.com/geoface/attendance-server-go/internal/errors"
	"github.com/geoface/attendance-server-go/internal/model"
)

// maxMongoUpsertAttempts bounds the set/push loop when a concurrent writer
// keeps winning the race for today's entry.
const maxMongoUpsertAttempts = 3

// teacherDocument is one teacher with an embedded attendance array.
type teacherDocument struct {
	Email      string                   `bson:"email"`
	Name       string                   `bson:"name"`
	ImageURL   string                   `bson:"imageUrl"`
	Attendance []model.AttendanceRecord `bson:"attendance"`
}

type mongoAttendanceRepo struct {
	coll *mongo.Collection
}

func NewMongoAttendanceRepository(coll *mongo.Collection) AttendanceRepository {
	return &mongoAttendanceRepo{coll: coll}
}

func (r *mongoAttendanceRepo) FindTeacher(ctx context.Context, email string) (*model.Teacher, error) {
	var doc teacherDocument
	err := r.coll.FindOne(ctx,
		bson.M{"email": email},
		options.FindOne().SetProjection(bson.M{"attendance": 0}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return &model.Teacher{Email: doc.Email, Name: doc.Name, ImageURL: doc.ImageURL}, nil
}

func (r *mongoAttendanceRepo) SaveTeacher(ctx context.Context, teacher model.Teacher) error {
	_, err := r.coll.UpdateOne(ctx,
		bson.M{"email": teacher.Email},
		bson.M{
			"$set":         bson.M{"name": teacher.Name, "imageUrl": teacher.ImageURL},
			"$setOnInsert": bson.M{"attendance": bson.A{}},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return apperrors.Database(err)
	}
	return nil
}

func (r *mongoAttendanceRepo) FindByDate(ctx context.Context, email string, date string) (*model.AttendanceRecord, error) {
	var doc teacherDocument
	err := r.coll.FindOne(ctx,
		bson.M{"email": email, "attendance.date": date},
		options.FindOne().SetProjection(bson.M{"email": 1, "attendance.$": 1}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if len(doc.Attendance) == 0 {
		return nil, nil
	}

	rec := doc.Attendance[0]
	rec.Email = email
	return &rec, nil
}

// UpsertDaily updates today's array entry in place when it exists and
// otherwise pushes a new one. Both writes are single-document atomic and
// the push is guarded so it can never add a second entry for the date.
func (r *mongoAttendanceRepo) UpsertDaily(ctx context.Context, params model.UpsertAttendanceParams) (*model.UpsertResult, error) {
	rec := params.Record()

	for attempt := 0; attempt < maxMongoUpsertAttempts; attempt++ {
		res, err := r.coll.UpdateOne(ctx,
			bson.M{"email": params.Email, "attendance.date": params.Date},
			bson.M{"$set": bson.M{
				"attendance.$.time":            rec.Time,
				"attendance.$.faceMatched":     rec.FaceMatched,
				"attendance.$.locationMatched": rec.LocationMatched,
				"attendance.$.verified":        rec.Verified,
			}},
		)
		if err != nil {
			return nil, apperrors.Database(err)
		}
		if res.MatchedCount > 0 {
			return &model.UpsertResult{Action: model.UpsertActionUpdated, Record: rec}, nil
		}

		res, err = r.coll.UpdateOne(ctx,
			bson.M{"email": params.Email, "attendance.date": bson.M{"$ne": params.Date}},
			bson.M{"$push": bson.M{"attendance": rec}},
		)
		if err != nil {
			return nil, apperrors.Database(err)
		}
		if res.MatchedCount > 0 {
			if res.ModifiedCount == 0 {
				return nil, apperrors.NoChange()
			}
			return &model.UpsertResult{Action: model.UpsertActionCreated, Record: rec}, nil
		}

		n, err := r.coll.CountDocuments(ctx, bson.M{"email": params.Email})
		if err != nil {
			return nil, apperrors.Database(err)
		}
		if n == 0 {
			return nil, apperrors.NotFound("Teacher")
		}
		// today's entry appeared between the two writes; take the $set path
	}

	return nil, apperrors.NoChange().WithCause(
		fmt.Errorf("attendance for %s on %s kept changing concurrently", params.Email, params.Date))
}

func (r *mongoAttendanceRepo) ListByIdentity(ctx context.Context, email string, limit int) ([]model.AttendanceRecord, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	var doc teacherDocument
	err := r.coll.FindOne(ctx,
		bson.M{"email": email},
		options.FindOne().SetProjection(bson.M{"email": 1, "attendance": 1}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return []model.AttendanceRecord{}, nil
	}
	if err != nil {
		return nil, apperrors.Database(err)
	}

	records := doc.Attendance
	slices.SortFunc(records, func(a, b model.AttendanceRecord) int {
		return strings.Compare(b.Date, a.Date)
	})
	if len(records) > limit {
		records = records[:limit]
	}
	for i := range records {
		records[i].Email = email
	}
	if records == nil {
		records = []model.AttendanceRecord{}
	}
	return records, nil
}
