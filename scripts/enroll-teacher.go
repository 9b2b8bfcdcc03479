package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/geoface/attendance-server-go/internal/config"
	"github.com/geoface/attendance-server-go/internal/database"
	"github.com/geoface/attendance-server-go/internal/model"
	"github.com/geoface/attendance-server-go/internal/repository"
	"github.com/geoface/attendance-server-go/internal/util"
)

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintf(os.Stderr, "Usage: go run scripts/enroll-teacher.go <email> <image-url> [name]\n")
		os.Exit(1)
	}

	teacher := model.Teacher{
		Email:    util.NormalizeIdentity(os.Args[1]),
		ImageURL: os.Args[2],
	}
	if len(os.Args) > 3 {
		teacher.Name = os.Args[3]
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var repo repository.AttendanceRepository
	switch cfg.StoreBackend {
	case config.StoreBackendMongo:
		m, err := database.ConnectMongo(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.MongoCollection)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer m.Close(context.Background())
		repo = repository.NewMongoAttendanceRepository(m.Collection)
	default:
		db, err := database.Connect(cfg.DatabaseURL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		repo = repository.NewAttendanceRepository(db.DB)
	}

	if err := repo.SaveTeacher(ctx, teacher); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("enrolled %s\n", teacher.Email)
}
