package conf

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// GetPgConnStrFromEnv builds a libpq connection string. Outside localhost the
// password is read from the AWS Secrets Manager secret named by
// POSTGRES_PASSWORD_SECRET_NAME.
func GetPgConnStrFromEnv() (string, error) {
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return "", fmt.Errorf("POSTGRES_HOST is not set")
	}
	var pw string
	if host == "localhost" || os.Getenv("POSTGRES_PASSWORD_SECRET_NAME") == "" {
		pw = os.Getenv("POSTGRES_PW")
	} else {
		secretName := os.Getenv("POSTGRES_PASSWORD_SECRET_NAME")
		secretValue, err := getSecretFromAWS(secretName)
		if err != nil {
			return "", fmt.Errorf("failed to get postgres password from AWS: %w", err)
		}
		var secret struct {
			Password string `json:"password"`
		}
		if err := json.Unmarshal([]byte(secretValue), &secret); err != nil {
			return "", fmt.Errorf("failed to parse postgres password secret: %w", err)
		}
		pw = secret.Password
	}
	user := os.Getenv("POSTGRES_USER")
	port := os.Getenv("POSTGRES_PORT")
	db := os.Getenv("POSTGRES_DB")
	ssl := os.Getenv("POSTGRES_SSLMODE")
	if ssl == "" {
		ssl = "disable"
	}

	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		host, port, user, pw, db, ssl), nil
}

func getSecretFromAWS(secretName string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return "", err
	}
	svc := secretsmanager.NewFromConfig(cfg)
	input := &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretName),
	}
	result, err := svc.GetSecretValue(ctx, input)
	if err != nil {
		return "", err
	}
	if result.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", secretName)
	}
	return *result.SecretString, nil
}
