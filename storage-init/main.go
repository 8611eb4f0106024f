package main

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

const queueAlreadyExists = "QueueAlreadyExists"

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warnf("load .env: %v", err)
	}
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	log.Info("storage init starting")

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	if connStr == "" {
		log.Fatal("missing STORAGE_CONNECTION_STRING")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	created, err := createTables(ctx, connStr, []string{os.Getenv("TASKS_TABLE")})
	if err != nil {
		log.Fatalf("create tables: %v", err)
	}
	log.WithField("tables", created).Info("tables ready")

	created, err = createQueues(ctx, connStr, []string{os.Getenv("BOARD_EVENTS_QUEUE")})
	if err != nil {
		log.Fatalf("create queues: %v", err)
	}
	log.WithField("queues", created).Info("queues ready")

	log.Info("storage init complete")
}

// alreadyExists reports whether err is an Azure "already exists" response
// carrying the given error code.
func alreadyExists(err error, code string) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.ErrorCode == code
}

func createTables(ctx context.Context, connStr string, names []string) ([]string, error) {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return nil, err
	}
	var created []string
	for _, name := range names {
		if name == "" {
			continue
		}
		if _, err := svc.NewClient(name).CreateTable(ctx, nil); err != nil {
			if !alreadyExists(err, string(aztables.TableAlreadyExists)) {
				return created, err
			}
			log.Debugf("table %s already exists", name)
		}
		created = append(created, name)
	}
	return created, nil
}

func createQueues(ctx context.Context, connStr string, names []string) ([]string, error) {
	var created []string
	for _, name := range names {
		if name == "" {
			continue
		}
		q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, nil)
		if err != nil {
			return created, err
		}
		if _, err := q.Create(ctx, nil); err != nil {
			if !alreadyExists(err, queueAlreadyExists) {
				return created, err
			}
			log.Debugf("queue %s already exists", name)
		}
		created = append(created, name)
	}
	return created, nil
}
