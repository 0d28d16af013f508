package controller

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"cafe24_ops_v1/internal/api/dto"
	"cafe24_ops_v1/pkg/cafe24"
)

// ProductController 店面商品实时查询
// 只做只读透传，写操作一律经由批量编辑引擎走完整的计划与核验流程
type ProductController struct {
	api *cafe24.Client
}

func NewProductController(api *cafe24.Client) *ProductController {
	return &ProductController{api: api}
}

// GetProducts 拉取店面商品列表（游标分页）
// GET /api/products
func (ctrl *ProductController) GetProducts(c *gin.Context) {
	var req dto.ProductListReq
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "message": "参数错误: " + err.Error()})
		return
	}

	products, next, err := ctrl.api.ListProducts(c.Request.Context(), req.Limit, req.Cursor)
	if err != nil {
		c.JSON(statusOf(err), gin.H{"code": statusOf(err), "message": errText(err)})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"code":        0,
		"message":     "success",
		"data":        products,
		"next_cursor": next,
	})
}

// GetProduct 拉取单个商品，有选项时附带变体列表
// GET /api/products/:product_no
func (ctrl *ProductController) GetProduct(c *gin.Context) {
	productNo, err := strconv.Atoi(c.Param("product_no"))
	if err != nil || productNo <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"code": 400, "message": "无效的商品编号"})
		return
	}

	ctx := c.Request.Context()
	product, err := ctrl.api.GetProduct(ctx, productNo)
	if err != nil {
		c.JSON(statusOf(err), gin.H{"code": statusOf(err), "message": errText(err)})
		return
	}

	resp := gin.H{"product": product}
	if bool(product.HasOption) {
		variants, err := ctrl.api.ListVariants(ctx, productNo)
		if err != nil {
			c.JSON(statusOf(err), gin.H{"code": statusOf(err), "message": errText(err)})
			return
		}
		resp["variants"] = variants
	}

	c.JSON(http.StatusOK, gin.H{"code": 0, "message": "success", "data": resp})
}
