package service

import "errors"

var (
	// ErrNoneAvailable у кампании не осталось ссылок с ёмкостью (квота исчерпана)
	ErrNoneAvailable    = errors.New("no url with remaining capacity")
	ErrCampaignNotFound = errors.New("campaign not found")
	ErrURLNotFound      = errors.New("url not found")
	ErrInvalidInput     = errors.New("invalid input")
	// ErrNotReconcilable кампания не привязана к биллингу
	ErrNotReconcilable = errors.New("campaign has no external billing campaign")
	// ErrTickInProgress кампанию сейчас сверяет другой процесс
	ErrTickInProgress = errors.New("reconcile tick already in progress")
)
