package notification

import (
	"context"
	"fmt"
	"net/url"

	"github.com/nao1215/tabelist/pkg/httpclient"
)

// ListSummary は通知の文面に必要なリストの情報。
type ListSummary struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	OwnerID string `json:"owner_id"`
}

// RestaurantSummary は通知の宛先解決に必要なレストランの情報。
type RestaurantSummary struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	FavoriterIDs []string `json:"favoriter_ids"`
}

// userSummary はユーザー情報APIのレスポンス。
type userSummary struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// Directory はTriggersが通知の作成前に必要とする追加情報を引く。
// リスト・ユーザー・レストランのCRUDを担うカタログサービスが情報源になる。
type Directory interface {
	GetList(ctx context.Context, listID string) (ListSummary, error)
	GetUserName(ctx context.Context, userID string) (string, error)
	GetRestaurant(ctx context.Context, restaurantID string) (RestaurantSummary, error)
}

// CatalogDirectory はカタログサービスのHTTP APIを使うDirectory。
type CatalogDirectory struct {
	// client はカタログサービスへのHTTPクライアント。
	client *httpclient.Client
}

// NewCatalogDirectory は新しいCatalogDirectoryを生成する。
func NewCatalogDirectory(client *httpclient.Client) *CatalogDirectory {
	return &CatalogDirectory{client: client}
}

// GetList はリストの名前と所有者を取得する。
func (d *CatalogDirectory) GetList(ctx context.Context, listID string) (ListSummary, error) {
	var list ListSummary
	if err := d.client.GetJSON(ctx, "/api/v1/lists/"+url.PathEscape(listID), &list); err != nil {
		return ListSummary{}, fmt.Errorf("リスト %s の取得に失敗: %w", listID, err)
	}
	return list, nil
}

// GetUserName はユーザーの表示名を取得する。
func (d *CatalogDirectory) GetUserName(ctx context.Context, userID string) (string, error) {
	var user userSummary
	if err := d.client.GetJSON(ctx, "/api/v1/users/"+url.PathEscape(userID), &user); err != nil {
		return "", fmt.Errorf("ユーザー %s の取得に失敗: %w", userID, err)
	}
	return user.DisplayName, nil
}

// GetRestaurant はレストランの名前とお気に入り登録者を取得する。
func (d *CatalogDirectory) GetRestaurant(ctx context.Context, restaurantID string) (RestaurantSummary, error) {
	var r RestaurantSummary
	if err := d.client.GetJSON(ctx, "/api/v1/restaurants/"+url.PathEscape(restaurantID), &r); err != nil {
		return RestaurantSummary{}, fmt.Errorf("レストラン %s の取得に失敗: %w", restaurantID, err)
	}
	return r, nil
}
